package progress

import "io"

// Reader wraps an io.Reader and reports the cumulative number of bytes read
// after every successful Read.
type Reader struct {
	Reader     io.Reader
	OnProgress func(read int64)

	read int64
}

func NewReader(r io.Reader, cb func(read int64)) *Reader {
	return &Reader{Reader: r, OnProgress: cb}
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.Reader.Read(p)
	if n > 0 {
		pr.read += int64(n)

		if pr.OnProgress != nil {
			pr.OnProgress(pr.read)
		}
	}

	return n, err
}

// BytesRead returns the number of bytes read so far.
func (pr *Reader) BytesRead() int64 {
	return pr.read
}
