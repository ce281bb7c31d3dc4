package catalog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fabkury/makapix-sub009/internal/model"
)

// Write helpers for co-located deployments and tests. The gateway's request
// path never creates artworks; the web application owns that.

// CreateArtwork inserts an artwork and populates its ID. A zero CreatedAt is
// stamped with the current time. The artwork is inserted approved and
// visible.
func (s *SQLite) CreateArtwork(ctx context.Context, a *model.Artwork) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	var duration any
	if a.DurationMS != nil {
		duration = *a.DurationMS
	}
	var palette any
	if a.Palette != nil {
		palette = *a.Palette
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO artworks (title, author_account_id, object_key, width, height, frame_count,
		   color_count, duration_ms, animated, format, available_formats, palette, promoted,
		   hidden, deleted, approved, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, 1, ?)`,
		a.Title, a.AuthorAccountID, a.ObjectKey, a.Width, a.Height, a.FrameCount,
		a.ColorCount, duration, boolToInt(a.Animated), a.Format,
		strings.Join(a.AvailableFormats, ","), palette, boolToInt(a.Promoted),
		a.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert artwork: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	a.ID = id
	for _, tag := range a.Hashtags {
		if _, err := s.db.ExecContext(ctx,
			"INSERT INTO artwork_hashtags (artwork_id, tag) VALUES (?, ?)", id, tag); err != nil {
			return fmt.Errorf("insert hashtag: %w", err)
		}
	}
	return nil
}

// CreateComment inserts a comment and populates its ID.
func (s *SQLite) CreateComment(ctx context.Context, c *model.Comment) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO comments (artwork_id, author_account_id, author_name, body, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		c.ArtworkID, c.AuthorAccountID, c.AuthorName, c.Body, c.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	c.ID = id
	return nil
}

// CreatePlayset inserts a playset with its entries and populates its ID.
func (s *SQLite) CreatePlayset(ctx context.Context, ps *model.Playset) error {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO playsets (name, exposure_mode, pick_mode) VALUES (?, ?, ?)",
		ps.Name, string(ps.Exposure), string(ps.Pick),
	)
	if err != nil {
		return fmt.Errorf("insert playset: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	ps.ID = id
	for i, e := range ps.Entries {
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO playset_entries (playset_id, position, label, weight, channel_kind,
			   channel_account_id, channel_hashtag, sort_mode)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			id, i, e.Label, e.Weight, string(e.Descriptor.Kind),
			e.Descriptor.UserID, e.Descriptor.Hashtag, string(e.Descriptor.Sort),
		); err != nil {
			return fmt.Errorf("insert playset entry: %w", err)
		}
	}
	return nil
}

// SetVisibility flips moderation flags on an artwork (test and tooling use).
func (s *SQLite) SetVisibility(ctx context.Context, artworkID int64, hidden, deleted, approved bool) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE artworks SET hidden = ?, deleted = ?, approved = ? WHERE id = ?",
		boolToInt(hidden), boolToInt(deleted), boolToInt(approved), artworkID)
	if err != nil {
		return fmt.Errorf("update visibility: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
