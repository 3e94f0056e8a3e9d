// Package catalog holds the match metadata and content handles the download core works with.
package catalog

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Item is a match from the remote catalog.
type Item struct {
	ID   int64     `json:"id"`
	Date time.Time `json:"date"`
	Home string    `json:"home"`
	Away string    `json:"away"`
}

// Title is a short human readable label.
func (i Item) Title() string {
	return fmt.Sprintf("%s vs %s (%s)", i.Home, i.Away, i.Date.Format(time.DateOnly))
}

// Key identifies one transfer: a match and one of its content kinds.
type Key struct {
	ItemID int64 `json:"item_id"`
	Kind   Kind  `json:"kind"`
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%s", k.ItemID, k.Kind)
}

// Handle is how a piece of content is fetched: either a direct URL that is
// streamed, or a generation call that returns the whole payload.
type Handle struct {
	URL      string
	Generate func(ctx context.Context) ([]byte, error)
}

// Streamed reports whether the handle points at a URL.
func (h Handle) Streamed() bool {
	return h.URL != ""
}

// FileName derives the target file name of a kind of content for an item.
func FileName(item Item, kind Kind) string {
	name := fmt.Sprintf("%s_%s_vs_%s%s", item.Date.Format(time.DateOnly), item.Home, item.Away, kind.Ext())

	return Sanitize(name)
}

// Sanitize replaces characters that are illegal in file names on common filesystems with an underscore.
func Sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '<', '>', ':', '"', '/', '\\', '|', '?', '*':
			return '_'
		}

		if r < 0x20 || r == 0x7f {
			return '_'
		}

		return r
	}, name)
}
