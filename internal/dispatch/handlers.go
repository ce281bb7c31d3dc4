package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/fabkury/makapix-sub009/internal/blob"
	"github.com/fabkury/makapix-sub009/internal/catalog"
	"github.com/fabkury/makapix-sub009/internal/filter"
	"github.com/fabkury/makapix-sub009/internal/gwerr"
	"github.com/fabkury/makapix-sub009/internal/limiter"
	"github.com/fabkury/makapix-sub009/internal/model"
	"github.com/fabkury/makapix-sub009/internal/protocol"
	"github.com/fabkury/makapix-sub009/internal/resolver"
	"github.com/fabkury/makapix-sub009/internal/telemetry"
)

const (
	maxReactionLen  = 64
	maxCommentsPage = 100
)

// Handlers bundles the collaborators the request handlers need.
type Handlers struct {
	Resolver     *resolver.Resolver
	Repo         catalog.Repository
	Signer       blob.URLSigner
	Telemetry    *telemetry.Pipeline
	Limiter      *limiter.Limiter
	RequestQuota limiter.Quota
	Logger       *log.Logger
}

// Table returns the request_type routing table. Every handler that reaches the
// catalog, the blob store or the resolver is guarded by the per-device request
// quota; submit_view carries its own quota inside the telemetry pipeline.
func (h *Handlers) Table() map[string]Handler {
	return map[string]Handler{
		"query_posts":     h.limited(h.QueryPosts),
		"get_post":        h.limited(h.GetPost),
		"submit_reaction": h.limited(h.SubmitReaction),
		"revoke_reaction": h.limited(h.RevokeReaction),
		"get_comments":    h.limited(h.GetComments),
		"get_playset":     h.limited(h.GetPlayset),
		"submit_view":     h.SubmitView,
	}
}

// limited rejects the request before the handler body runs when the device
// exceeds its request quota.
func (h *Handlers) limited(fn Handler) Handler {
	return func(ctx context.Context, dev *model.DeviceIdentity, req *protocol.Request) (*protocol.Result, error) {
		if d := h.Limiter.Allow(ctx, h.RequestQuota, dev.DeviceKey); !d.Allowed {
			return nil, gwerr.RateLimited(d.RetryAfter)
		}
		return fn(ctx, dev, req)
	}
}

// postBody renders an artwork for the wire, with its signed download URL.
func (h *Handlers) postBody(ctx context.Context, a *model.Artwork) (map[string]any, error) {
	url, err := h.Signer.SignURL(ctx, a.ObjectKey)
	if err != nil {
		return nil, gwerr.Internal(fmt.Errorf("sign artwork url: %w", err))
	}
	body := map[string]any{
		"post_id":           a.ID,
		"title":             a.Title,
		"author_id":         a.AuthorAccountID,
		"url":               url,
		"width":             a.Width,
		"height":            a.Height,
		"frame_count":       a.FrameCount,
		"color_count":       a.ColorCount,
		"animated":          a.Animated,
		"format":            a.Format,
		"available_formats": a.AvailableFormats,
		"created_at":        a.CreatedAt.UTC().Format(time.RFC3339),
	}
	if a.DurationMS != nil {
		body["duration_ms"] = *a.DurationMS
	}
	if a.Palette != nil {
		body["palette"] = *a.Palette
	}
	if len(a.Hashtags) > 0 {
		body["hashtags"] = a.Hashtags
	}
	return body, nil
}

type queryPostsBody struct {
	Channel  model.ChannelDescriptor `json:"channel"`
	Criteria []filter.Criterion      `json:"criteria,omitempty"`
	Cursor   string                  `json:"cursor,omitempty"`
	PageSize int                     `json:"page_size,omitempty"`
}

// QueryPosts resolves one page of a channel.
func (h *Handlers) QueryPosts(ctx context.Context, dev *model.DeviceIdentity, req *protocol.Request) (*protocol.Result, error) {
	var body queryPostsBody
	if err := json.Unmarshal(req.Raw, &body); err != nil {
		return nil, gwerr.Validationf("malformed query_posts body")
	}

	page, err := h.Resolver.ResolveChannel(ctx, body.Channel, dev.OwnerAccountID, body.Criteria, body.Cursor, body.PageSize)
	if err != nil {
		return nil, err
	}

	res := &protocol.Result{
		Fields:     map[string]any{"channel": string(body.Channel.Kind)},
		ItemsKey:   "posts",
		Items:      make([]protocol.Item, len(page.Items)),
		HasMore:    page.NextCursor != "",
		NextCursor: page.NextCursor,
	}
	if body.Channel.Sort == model.SortRandom {
		res.Fields["seed"] = page.Seed
	}
	for i := range page.Items {
		post, err := h.postBody(ctx, &page.Items[i])
		if err != nil {
			return nil, err
		}
		res.Items[i] = protocol.Item{Body: post, Cursor: page.Cursors[i]}
	}
	return res, nil
}

type postIDBody struct {
	PostID int64 `json:"post_id"`
}

func parsePostID(raw json.RawMessage) (int64, error) {
	var body postIDBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return 0, gwerr.Validationf("malformed request body")
	}
	if body.PostID <= 0 {
		return 0, gwerr.Validationf("request requires post_id")
	}
	return body.PostID, nil
}

// GetPost returns one artwork with its signed download URL.
func (h *Handlers) GetPost(ctx context.Context, _ *model.DeviceIdentity, req *protocol.Request) (*protocol.Result, error) {
	id, err := parsePostID(req.Raw)
	if err != nil {
		return nil, err
	}
	art, err := h.Repo.GetArtwork(ctx, id)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return nil, gwerr.NotFoundf("post %d not found", id)
		}
		return nil, gwerr.Internal(fmt.Errorf("get artwork: %w", err))
	}
	post, err := h.postBody(ctx, art)
	if err != nil {
		return nil, err
	}
	return &protocol.Result{Fields: map[string]any{"post": post}}, nil
}

type reactionBody struct {
	PostID   int64  `json:"post_id"`
	Reaction string `json:"reaction"`
}

// SubmitReaction records the device owner's reaction, replacing any previous
// one.
func (h *Handlers) SubmitReaction(ctx context.Context, dev *model.DeviceIdentity, req *protocol.Request) (*protocol.Result, error) {
	var body reactionBody
	if err := json.Unmarshal(req.Raw, &body); err != nil {
		return nil, gwerr.Validationf("malformed submit_reaction body")
	}
	if body.PostID <= 0 {
		return nil, gwerr.Validationf("submit_reaction requires post_id")
	}
	if body.Reaction == "" || len(body.Reaction) > maxReactionLen {
		return nil, gwerr.Validationf("submit_reaction requires reaction (1..%d chars)", maxReactionLen)
	}
	if dev.OwnerAccountID <= 0 {
		return nil, gwerr.Validationf("reactions require a device with an owner account")
	}
	if err := h.Repo.SetReaction(ctx, dev.OwnerAccountID, body.PostID, body.Reaction); err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return nil, gwerr.NotFoundf("post %d not found", body.PostID)
		}
		return nil, gwerr.Internal(fmt.Errorf("set reaction: %w", err))
	}
	return &protocol.Result{Fields: map[string]any{"post_id": body.PostID, "reaction": body.Reaction}}, nil
}

// RevokeReaction removes the device owner's reaction. Revoking an absent
// reaction is an idempotent success.
func (h *Handlers) RevokeReaction(ctx context.Context, dev *model.DeviceIdentity, req *protocol.Request) (*protocol.Result, error) {
	id, err := parsePostID(req.Raw)
	if err != nil {
		return nil, err
	}
	if dev.OwnerAccountID <= 0 {
		return nil, gwerr.Validationf("reactions require a device with an owner account")
	}
	if err := h.Repo.RevokeReaction(ctx, dev.OwnerAccountID, id); err != nil {
		return nil, gwerr.Internal(fmt.Errorf("revoke reaction: %w", err))
	}
	return &protocol.Result{Fields: map[string]any{"post_id": id}}, nil
}

type getCommentsBody struct {
	PostID   int64  `json:"post_id"`
	Cursor   string `json:"cursor,omitempty"`
	PageSize int    `json:"page_size,omitempty"`
}

// GetComments pages through an artwork's comments, newest first.
func (h *Handlers) GetComments(ctx context.Context, _ *model.DeviceIdentity, req *protocol.Request) (*protocol.Result, error) {
	var body getCommentsBody
	if err := json.Unmarshal(req.Raw, &body); err != nil {
		return nil, gwerr.Validationf("malformed get_comments body")
	}
	if body.PostID <= 0 {
		return nil, gwerr.Validationf("get_comments requires post_id")
	}
	if body.PageSize < 0 {
		return nil, gwerr.Validationf("page_size must not be negative")
	}
	pageSize := body.PageSize
	if pageSize == 0 {
		pageSize = resolver.DefaultPageSize
	}
	if pageSize > maxCommentsPage {
		pageSize = maxCommentsPage
	}
	var afterID int64
	if body.Cursor != "" {
		n, err := strconv.ParseInt(body.Cursor, 10, 64)
		if err != nil || n <= 0 {
			return nil, gwerr.Validationf("malformed cursor")
		}
		afterID = n
	}

	if _, err := h.Repo.GetArtwork(ctx, body.PostID); err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return nil, gwerr.NotFoundf("post %d not found", body.PostID)
		}
		return nil, gwerr.Internal(fmt.Errorf("get artwork: %w", err))
	}

	comments, err := h.Repo.ListComments(ctx, body.PostID, afterID, pageSize+1)
	if err != nil {
		return nil, gwerr.Internal(fmt.Errorf("list comments: %w", err))
	}
	hasMore := len(comments) > pageSize
	if hasMore {
		comments = comments[:pageSize]
	}

	res := &protocol.Result{
		Fields:   map[string]any{"post_id": body.PostID},
		ItemsKey: "comments",
		Items:    make([]protocol.Item, len(comments)),
		HasMore:  hasMore,
	}
	for i, c := range comments {
		res.Items[i] = protocol.Item{
			Body: map[string]any{
				"comment_id": c.ID,
				"author_id":  c.AuthorAccountID,
				"author":     c.AuthorName,
				"body":       c.Body,
				"created_at": c.CreatedAt.UTC().Format(time.RFC3339),
			},
			Cursor: strconv.FormatInt(c.ID, 10),
		}
	}
	if hasMore {
		res.NextCursor = res.Items[len(res.Items)-1].Cursor
	}
	return res, nil
}

type getPlaysetBody struct {
	PlaysetID int64              `json:"playset_id"`
	Criteria  []filter.Criterion `json:"criteria,omitempty"`
	Count     int                `json:"count,omitempty"`
	Seed      int64              `json:"seed,omitempty"`
}

// GetPlayset resolves a playset into an interleaved selection.
func (h *Handlers) GetPlayset(ctx context.Context, dev *model.DeviceIdentity, req *protocol.Request) (*protocol.Result, error) {
	var body getPlaysetBody
	if err := json.Unmarshal(req.Raw, &body); err != nil {
		return nil, gwerr.Validationf("malformed get_playset body")
	}
	if body.PlaysetID <= 0 {
		return nil, gwerr.Validationf("get_playset requires playset_id")
	}

	ps, err := h.Repo.GetPlayset(ctx, body.PlaysetID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return nil, gwerr.NotFoundf("playset %d not found", body.PlaysetID)
		}
		return nil, gwerr.Internal(fmt.Errorf("get playset: %w", err))
	}

	items, seed, err := h.Resolver.ResolvePlayset(ctx, ps, dev.OwnerAccountID, body.Criteria, body.Count, body.Seed)
	if err != nil {
		return nil, err
	}

	res := &protocol.Result{
		Fields: map[string]any{
			"playset_id": ps.ID,
			"name":       ps.Name,
			"seed":       seed,
		},
		ItemsKey: "items",
		Items:    make([]protocol.Item, len(items)),
	}
	for i := range items {
		post, err := h.postBody(ctx, &items[i].Artwork)
		if err != nil {
			return nil, err
		}
		res.Items[i] = protocol.Item{Body: map[string]any{
			"channel": items[i].Label,
			"post":    post,
		}}
	}
	return res, nil
}

// SubmitView runs a view event through the telemetry pipeline on the
// request/response path. Acknowledgment is implied: the outcome is the
// response.
func (h *Handlers) SubmitView(ctx context.Context, dev *model.DeviceIdentity, req *protocol.Request) (*protocol.Result, error) {
	ev, err := telemetry.ParseView(dev.DeviceKey, req.Raw)
	if err != nil {
		return nil, err
	}
	ack := h.Telemetry.Ingest(ctx, ev)
	if !ack.Success {
		if ack.ErrorCode == string(gwerr.CodeRateLimited) {
			return nil, gwerr.RateLimited(time.Duration(ack.RetryAfter * float64(time.Second)))
		}
		return nil, gwerr.Internal(errors.New(ack.Error))
	}
	return &protocol.Result{Fields: map[string]any{
		"content_id": ack.ContentID,
		"timestamp":  ack.Timestamp,
		"duplicate":  ack.Duplicate,
	}}, nil
}
