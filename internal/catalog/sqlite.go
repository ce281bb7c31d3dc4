package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"github.com/fabkury/makapix-sub009/internal/catalog/migrations"
	"github.com/fabkury/makapix-sub009/internal/filter"
	"github.com/fabkury/makapix-sub009/internal/model"
)

const timeLayout = "2006-01-02T15:04:05.000Z"

// scanChunk bounds each seek query while the metadata predicate is applied to
// the scanned rows.
const scanChunk = 128

// SQLite implements Repository backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

const artworkColumns = `id, title, author_account_id, object_key, width, height,
 frame_count, color_count, duration_ms, animated, format, available_formats,
 palette, promoted, created_at`

// scopeWhere translates a channel scope into its base predicate. Visibility
// is always included: hidden, deleted and unapproved content never leaves
// this package.
func scopeWhere(scope Scope) (string, []any, error) {
	where := "hidden = 0 AND deleted = 0 AND approved = 1"
	var args []any
	switch scope.Kind {
	case model.ChannelAll:
	case model.ChannelPromoted:
		where += " AND promoted = 1"
	case model.ChannelOwner, model.ChannelUser:
		where += " AND author_account_id = ?"
		args = append(args, scope.AccountID)
	case model.ChannelHashtag:
		where += " AND EXISTS (SELECT 1 FROM artwork_hashtags h WHERE h.artwork_id = artworks.id AND h.tag = ?)"
		args = append(args, scope.Hashtag)
	default:
		return "", nil, fmt.Errorf("unknown channel kind %q", scope.Kind)
	}
	return where, args, nil
}

// ListAfter seeks through the ordered scope in chunks, applying pred to the
// scanned rows until limit matches are collected.
func (s *SQLite) ListAfter(ctx context.Context, scope Scope, pred *filter.Predicate, order Order, pos *Position, limit int) ([]model.Artwork, error) {
	where, args, err := scopeWhere(scope)
	if err != nil {
		return nil, err
	}

	out := make([]model.Artwork, 0, limit)
	cur := pos
	for len(out) < limit {
		q, qargs := seekQuery(where, args, order, cur)
		rows, err := s.db.QueryContext(ctx, q, qargs...)
		if err != nil {
			return nil, fmt.Errorf("query artworks: %w", err)
		}
		arts, err := scanArtworks(rows)
		if err != nil {
			return nil, err
		}
		if len(arts) == 0 {
			break
		}
		for i := range arts {
			a := arts[i]
			cur = &Position{CreatedAt: a.CreatedAt, ID: a.ID}
			if pred.Match(&a) {
				out = append(out, a)
				if len(out) == limit {
					break
				}
			}
		}
		if len(arts) < scanChunk {
			break
		}
	}
	return out, nil
}

func seekQuery(where string, args []any, order Order, pos *Position) (string, []any) {
	qargs := append([]any{}, args...)
	orderBy := "id DESC"
	if order == OrderCreation {
		orderBy = "created_at DESC, id DESC"
	}
	if pos != nil {
		if order == OrderCreation {
			where += " AND (created_at < ? OR (created_at = ? AND id < ?))"
			ts := pos.CreatedAt.UTC().Format(timeLayout)
			qargs = append(qargs, ts, ts, pos.ID)
		} else {
			where += " AND id < ?"
			qargs = append(qargs, pos.ID)
		}
	}
	q := fmt.Sprintf("SELECT %s FROM artworks WHERE %s ORDER BY %s LIMIT %d",
		artworkColumns, where, orderBy, scanChunk)
	return q, qargs
}

// VisibleIDs returns up to max matching artwork ids ascending by id.
func (s *SQLite) VisibleIDs(ctx context.Context, scope Scope, pred *filter.Predicate, max int) ([]int64, error) {
	where, args, err := scopeWhere(scope)
	if err != nil {
		return nil, err
	}

	var ids []int64
	var afterID int64
	for max <= 0 || len(ids) < max {
		q := fmt.Sprintf("SELECT %s FROM artworks WHERE %s AND id > ? ORDER BY id ASC LIMIT %d",
			artworkColumns, where, scanChunk)
		rows, err := s.db.QueryContext(ctx, q, append(append([]any{}, args...), afterID)...)
		if err != nil {
			return nil, fmt.Errorf("query artwork ids: %w", err)
		}
		arts, err := scanArtworks(rows)
		if err != nil {
			return nil, err
		}
		if len(arts) == 0 {
			break
		}
		for i := range arts {
			afterID = arts[i].ID
			if pred.Match(&arts[i]) {
				ids = append(ids, arts[i].ID)
				if max > 0 && len(ids) == max {
					break
				}
			}
		}
		if len(arts) < scanChunk {
			break
		}
	}
	return ids, nil
}

// CountVisible returns the live content count of scope under pred.
func (s *SQLite) CountVisible(ctx context.Context, scope Scope, pred *filter.Predicate) (int64, error) {
	where, args, err := scopeWhere(scope)
	if err != nil {
		return 0, err
	}
	if pred.Empty() {
		var n int64
		q := "SELECT COUNT(*) FROM artworks WHERE " + where
		if err := s.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
			return 0, fmt.Errorf("count artworks: %w", err)
		}
		return n, nil
	}
	ids, err := s.VisibleIDs(ctx, scope, pred, 0)
	if err != nil {
		return 0, err
	}
	return int64(len(ids)), nil
}

// GetArtwork returns one visible artwork with its hashtags.
func (s *SQLite) GetArtwork(ctx context.Context, id int64) (*model.Artwork, error) {
	q := fmt.Sprintf("SELECT %s FROM artworks WHERE id = ? AND hidden = 0 AND deleted = 0 AND approved = 1", artworkColumns)
	rows, err := s.db.QueryContext(ctx, q, id)
	if err != nil {
		return nil, fmt.Errorf("query artwork: %w", err)
	}
	arts, err := scanArtworks(rows)
	if err != nil {
		return nil, err
	}
	if len(arts) == 0 {
		return nil, ErrNotFound
	}
	a := arts[0]

	tagRows, err := s.db.QueryContext(ctx, "SELECT tag FROM artwork_hashtags WHERE artwork_id = ? ORDER BY tag", id)
	if err != nil {
		return nil, fmt.Errorf("query hashtags: %w", err)
	}
	defer func() { _ = tagRows.Close() }()
	for tagRows.Next() {
		var tag string
		if err := tagRows.Scan(&tag); err != nil {
			return nil, fmt.Errorf("scan hashtag: %w", err)
		}
		a.Hashtags = append(a.Hashtags, tag)
	}
	if err := tagRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate hashtags: %w", err)
	}
	return &a, nil
}

// GetArtworksByID hydrates ids in their given order, skipping artworks that
// became invisible since the ids were sampled.
func (s *SQLite) GetArtworksByID(ctx context.Context, ids []int64) ([]model.Artwork, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	q := fmt.Sprintf("SELECT %s FROM artworks WHERE id IN (%s) AND hidden = 0 AND deleted = 0 AND approved = 1",
		artworkColumns, placeholders)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query artworks by id: %w", err)
	}
	arts, err := scanArtworks(rows)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]model.Artwork, len(arts))
	for i := range arts {
		byID[arts[i].ID] = arts[i]
	}
	out := make([]model.Artwork, 0, len(ids))
	for _, id := range ids {
		if a, ok := byID[id]; ok {
			out = append(out, a)
		}
	}
	return out, nil
}

// ListComments returns comments newest first, strictly after afterID.
func (s *SQLite) ListComments(ctx context.Context, artworkID, afterID int64, limit int) ([]model.Comment, error) {
	where := "artwork_id = ?"
	args := []any{artworkID}
	if afterID > 0 {
		where += " AND id < ?"
		args = append(args, afterID)
	}
	q := fmt.Sprintf(`SELECT id, artwork_id, author_account_id, author_name, body, created_at
		 FROM comments WHERE %s ORDER BY id DESC LIMIT %d`, where, limit)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query comments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Comment
	for rows.Next() {
		var c model.Comment
		var created string
		if err := rows.Scan(&c.ID, &c.ArtworkID, &c.AuthorAccountID, &c.AuthorName, &c.Body, &created); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		c.CreatedAt, err = time.Parse(timeLayout, created)
		if err != nil {
			return nil, fmt.Errorf("scan comment %d created_at: %w", c.ID, err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return out, nil
}

// SetReaction records a reaction, replacing the account's previous reaction
// on the same artwork.
func (s *SQLite) SetReaction(ctx context.Context, accountID, artworkID int64, kind string) error {
	if _, err := s.GetArtwork(ctx, artworkID); err != nil {
		return err
	}
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reactions (account_id, artwork_id, kind, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (account_id, artwork_id) DO UPDATE SET kind = excluded.kind, created_at = excluded.created_at`,
		accountID, artworkID, kind, now,
	)
	if err != nil {
		return fmt.Errorf("insert reaction: %w", err)
	}
	return nil
}

// RevokeReaction removes a reaction; revoking an absent one is a no-op.
func (s *SQLite) RevokeReaction(ctx context.Context, accountID, artworkID int64) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM reactions WHERE account_id = ? AND artwork_id = ?", accountID, artworkID)
	if err != nil {
		return fmt.Errorf("delete reaction: %w", err)
	}
	return nil
}

// GetPlayset returns a playset with its ordered member channels.
func (s *SQLite) GetPlayset(ctx context.Context, id int64) (*model.Playset, error) {
	var ps model.Playset
	var exposure, pick string
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, exposure_mode, pick_mode FROM playsets WHERE id = ?", id,
	).Scan(&ps.ID, &ps.Name, &exposure, &pick)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query playset: %w", err)
	}
	ps.Exposure = model.ExposureMode(exposure)
	ps.Pick = model.PickMode(pick)

	rows, err := s.db.QueryContext(ctx,
		`SELECT label, weight, channel_kind, channel_account_id, channel_hashtag, sort_mode
		 FROM playset_entries WHERE playset_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("query playset entries: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var e model.ChannelEntry
		var kind, sortMode string
		if err := rows.Scan(&e.Label, &e.Weight, &kind, &e.Descriptor.UserID, &e.Descriptor.Hashtag, &sortMode); err != nil {
			return nil, fmt.Errorf("scan playset entry: %w", err)
		}
		e.Descriptor.Kind = model.ChannelKind(kind)
		e.Descriptor.Sort = model.SortMode(sortMode)
		ps.Entries = append(ps.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate playset entries: %w", err)
	}
	return &ps, nil
}

func scanArtworks(rows *sql.Rows) ([]model.Artwork, error) {
	defer func() { _ = rows.Close() }()

	var out []model.Artwork
	for rows.Next() {
		var a model.Artwork
		var duration sql.NullInt64
		var palette sql.NullString
		var animated, promoted int
		var formats, created string
		if err := rows.Scan(&a.ID, &a.Title, &a.AuthorAccountID, &a.ObjectKey, &a.Width, &a.Height,
			&a.FrameCount, &a.ColorCount, &duration, &animated, &a.Format, &formats,
			&palette, &promoted, &created); err != nil {
			return nil, fmt.Errorf("scan artwork: %w", err)
		}
		if duration.Valid {
			v := duration.Int64
			a.DurationMS = &v
		}
		if palette.Valid {
			v := palette.String
			a.Palette = &v
		}
		a.Animated = animated != 0
		a.Promoted = promoted != 0
		if formats != "" {
			a.AvailableFormats = strings.Split(formats, ",")
		}
		var err error
		a.CreatedAt, err = time.Parse(timeLayout, created)
		if err != nil {
			return nil, fmt.Errorf("scan artwork %d created_at: %w", a.ID, err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate artworks: %w", err)
	}
	return out, nil
}
