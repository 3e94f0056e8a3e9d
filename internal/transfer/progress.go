package transfer

// Status is the lifecycle state of a transfer.
type Status string

const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusCompleted   Status = "completed"
	StatusError       Status = "error"
)

// Progress is a point-in-time view of a transfer. TotalBytes is 0 when the
// size is unknown, in which case Percent stays 0 until completion.
type Progress struct {
	BytesDownloaded int64   `json:"bytes_downloaded"`
	TotalBytes      int64   `json:"total_bytes,omitempty"`
	Percent         float64 `json:"percent"`
	Status          Status  `json:"status"`
	Error           string  `json:"error,omitempty"`
}

// NewProgress builds a Progress and derives the percentage from the byte counts.
func NewProgress(written, total int64, status Status) Progress {
	p := Progress{BytesDownloaded: written, TotalBytes: total, Status: status}

	switch {
	case status == StatusCompleted:
		p.Percent = 100
	case total > 0:
		p.Percent = float64(written) * 100 / float64(total)
		if p.Percent > 100 {
			p.Percent = 100
		}
	}

	return p
}
