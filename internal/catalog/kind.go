package catalog

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is a downloadable content category of a match.
type Kind string

const (
	// KindAny matches every kind in ledger queries.
	KindAny Kind = ""
	// KindVideo is the streamed match video.
	KindVideo Kind = "video"
	// KindStats is the generated XML stat file.
	KindStats Kind = "stats"
)

var ErrUnknownKind = errors.New("unknown content kind")

// Kinds lists every concrete kind in canonical order.
func Kinds() []Kind {
	return []Kind{KindVideo, KindStats}
}

// ParseKind accepts a kind name case-insensitively.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindVideo:
		return KindVideo, nil
	case KindStats:
		return KindStats, nil
	default:
		return KindAny, fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

// ParseKinds parses a comma separated list, dropping duplicates and keeping first-seen order.
func ParseKinds(csv string) ([]Kind, error) {
	var kinds []Kind

	seen := make(map[Kind]bool)

	for _, part := range strings.Split(csv, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}

		k, err := ParseKind(part)
		if err != nil {
			return nil, err
		}

		if seen[k] {
			continue
		}

		seen[k] = true
		kinds = append(kinds, k)
	}

	if len(kinds) == 0 {
		return nil, fmt.Errorf("%w: empty kind list", ErrUnknownKind)
	}

	return kinds, nil
}

// Ext returns the file extension, dot included.
func (k Kind) Ext() string {
	switch k {
	case KindVideo:
		return ".mp4"
	case KindStats:
		return ".xml"
	default:
		return ""
	}
}

// Folder returns the subfolder name used when bulk downloads are organized by kind.
func (k Kind) Folder() string {
	switch k {
	case KindVideo:
		return "videos"
	case KindStats:
		return "stats"
	default:
		return ""
	}
}

// Streamed reports whether the kind is fetched as a byte stream from a URL
// rather than generated in one round trip.
func (k Kind) Streamed() bool {
	return k == KindVideo
}

func (k Kind) String() string {
	if k == KindAny {
		return "any"
	}

	return string(k)
}
