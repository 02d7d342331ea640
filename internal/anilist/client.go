// Package anilist is the adapter for the AniList GraphQL API. It is the
// only code that knows the provider's wire schema; everything else works
// on store.Entity and syncer.MutationIntent.
package anilist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alexjbarnes/anilist-sync/internal/apperrors"
	"github.com/alexjbarnes/anilist-sync/internal/store"
	"github.com/alexjbarnes/anilist-sync/internal/syncer"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

// TransientError wraps an error that is likely temporary and safe to
// retry. RetryAfter carries the server's requested delay when it sent
// one (429 responses), zero otherwise.
type TransientError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller should retry after a backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

const baseURL = "https://graphql.anilist.co"

const (
	// httpClientTimeout bounds every remote call. Exceeding it is a
	// transient failure, not a hang.
	httpClientTimeout = 30 * time.Second

	// maxResponseBytes caps response body reads. List pages are small
	// JSON payloads; anything near this size is malformed.
	maxResponseBytes = 4 * 1024 * 1024

	// listPageSize is the AniList page size for list fetches.
	listPageSize = 50

	// maxListPages bounds pagination so a remote that always reports
	// hasNextPage cannot spin the cycle forever.
	maxListPages = 200

	// retryBaseDelay is the first backoff step. Doubled per attempt
	// with +-50% jitter.
	retryBaseDelay = 500 * time.Millisecond
)

// Config holds the client's tuning knobs.
type Config struct {
	// Token is the AniList bearer token.
	Token string

	// RequestsPerMinute sizes the token bucket shared by all calls.
	RequestsPerMinute int

	// MaxAttempts is the total attempts per call, including the first.
	MaxAttempts int
}

// Client talks to the AniList GraphQL API. All calls go through one
// rate limiter, so concurrent callers block on capacity rather than
// racing past the remote quota.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	token       string
	limiter     *rate.Limiter
	maxAttempts int
	logger      *slog.Logger
}

// NewClient creates an API client. If httpClient is nil, a client with
// a 30-second timeout is created.
func NewClient(httpClient *http.Client, cfg Config, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: httpClientTimeout}
	}

	perSecond := rate.Limit(float64(cfg.RequestsPerMinute) / 60.0)

	return &Client{
		httpClient:  httpClient,
		baseURL:     baseURL,
		token:       cfg.Token,
		limiter:     rate.NewLimiter(perSecond, cfg.RequestsPerMinute),
		maxAttempts: cfg.MaxAttempts,
		logger:      logger,
	}
}

// post sends one GraphQL request and classifies the outcome. Auth
// failures are terminal; rate-limit, 5xx, and network errors come back
// as TransientError for the retry loop in do.
func (c *Client) post(ctx context.Context, query string, variables map[string]any) (gjson.Result, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return gjson.Result{}, fmt.Errorf("waiting for rate limiter: %w", err)
	}

	payload, err := json.Marshal(graphqlRequest{Query: query, Variables: variables})
	if err != nil {
		return gjson.Result{}, fmt.Errorf("marshalling request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(payload))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return gjson.Result{}, &TransientError{Err: fmt.Errorf("sending request: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("reading response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return gjson.Result{}, fmt.Errorf("%w: remote returned status %d", apperrors.ErrAuth, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return gjson.Result{}, &TransientError{
			Err:        fmt.Errorf("rate limited by remote (status 429)"),
			RetryAfter: retryAfterDelay(resp.Header.Get("Retry-After")),
		}
	case resp.StatusCode >= 500:
		return gjson.Result{}, &TransientError{Err: fmt.Errorf("remote returned status %d", resp.StatusCode)}
	}

	if !gjson.ValidBytes(body) {
		c.logger.Warn("malformed remote response", slog.Int("payload_bytes", len(body)))
		return gjson.Result{}, fmt.Errorf("%w: response is not valid JSON (%d bytes)", apperrors.ErrProtocol, len(body))
	}

	res := gjson.ParseBytes(body)

	// GraphQL errors arrive as 200 (or 400/404) with a top-level errors
	// array. Auth problems surface here as status 401, or as status 400
	// with an invalid-token message.
	if gqlErrs := res.Get("errors"); gqlErrs.Exists() && gqlErrs.IsArray() && len(gqlErrs.Array()) > 0 {
		first := gqlErrs.Array()[0]
		msg := first.Get("message").String()
		status := int(first.Get("status").Int())

		switch {
		case status == http.StatusUnauthorized,
			status == http.StatusBadRequest && isInvalidTokenMessage(msg):
			return gjson.Result{}, fmt.Errorf("%w: %s", apperrors.ErrAuth, msg)
		case status == http.StatusNotFound:
			return gjson.Result{}, errNotFound
		case status == http.StatusTooManyRequests || status >= 500:
			return gjson.Result{}, &TransientError{Err: fmt.Errorf("remote error (status %d): %s", status, msg)}
		}

		return gjson.Result{}, fmt.Errorf("remote error (status %d): %s", status, msg)
	}

	data := res.Get("data")
	if !data.Exists() {
		c.logger.Warn("remote response missing data", slog.Int("payload_bytes", len(body)))
		return gjson.Result{}, fmt.Errorf("%w: response has no data field (%d bytes)", apperrors.ErrProtocol, len(body))
	}

	return data, nil
}

// isInvalidTokenMessage reports whether a GraphQL error message is the
// credential-rejection shape. AniList reports an expired or revoked
// token as status 400 with "Invalid token", not as a 401.
func isInvalidTokenMessage(msg string) bool {
	return strings.Contains(strings.ToLower(msg), "invalid token")
}

// errNotFound marks a GraphQL 404, which for MediaList queries means
// the entry simply does not exist. Internal to the client; FetchEntry
// translates it to a nil entity.
var errNotFound = errors.New("not found")

// do runs post with exponential backoff on transient failures. After
// the attempt budget is exhausted the call fails as ErrRemoteUnavailable.
func (c *Client) do(ctx context.Context, query string, variables map[string]any) (gjson.Result, error) {
	var lastErr error

	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt, lastErr)
			c.logger.Debug("retrying remote call",
				slog.Int("attempt", attempt+1),
				slog.Duration("delay", delay),
			)

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return gjson.Result{}, ctx.Err()
			}
		}

		res, err := c.post(ctx, query, variables)
		if err == nil || !IsTransient(err) {
			return res, err
		}

		lastErr = err
	}

	return gjson.Result{}, fmt.Errorf("%w: %v", apperrors.ErrRemoteUnavailable, lastErr)
}

// backoffDelay computes the wait before the given retry attempt,
// honoring a server-requested Retry-After when one was sent.
func backoffDelay(attempt int, lastErr error) time.Duration {
	var te *TransientError
	if errors.As(lastErr, &te) && te.RetryAfter > 0 {
		return te.RetryAfter
	}

	delay := retryBaseDelay << (attempt - 1)
	// +-50% jitter so concurrent clients do not retry in lockstep.
	jitter := time.Duration(rand.Int64N(int64(delay))) - delay/2

	return delay + jitter
}

func retryAfterDelay(header string) time.Duration {
	secs, err := strconv.Atoi(header)
	if err != nil || secs <= 0 {
		return 0
	}

	return time.Duration(secs) * time.Second
}

// Viewer resolves the account the token belongs to.
func (c *Client) Viewer(ctx context.Context) (Viewer, error) {
	data, err := c.do(ctx, viewerQuery, nil)
	if err != nil {
		return Viewer{}, fmt.Errorf("resolving viewer: %w", err)
	}

	v := data.Get("Viewer")
	if !v.Exists() || v.Get("id").Int() <= 0 {
		return Viewer{}, fmt.Errorf("%w: viewer has no id", apperrors.ErrProtocol)
	}

	return Viewer{ID: int(v.Get("id").Int()), Name: v.Get("name").String()}, nil
}

// ResolveUser looks up a user id by name. Used when ANILIST_USER names
// an account other than the token's own.
func (c *Client) ResolveUser(ctx context.Context, name string) (Viewer, error) {
	data, err := c.do(ctx, userByNameQuery, map[string]any{"name": name})
	if err != nil {
		return Viewer{}, fmt.Errorf("resolving user %q: %w", name, err)
	}

	u := data.Get("User")
	if !u.Exists() || u.Get("id").Int() <= 0 {
		return Viewer{}, fmt.Errorf("%w: user %q has no id", apperrors.ErrProtocol, name)
	}

	return Viewer{ID: int(u.Get("id").Int()), Name: u.Get("name").String()}, nil
}

// FetchList pulls the user's full anime list, page by page, into a
// snapshot. Entries that fail shape validation are skipped and counted
// rather than failing the fetch; the returned int is the skip count.
func (c *Client) FetchList(ctx context.Context, userID int) (store.Snapshot, int, error) {
	snap := store.NewSnapshot()
	skipped := 0

	for page := 1; page <= maxListPages; page++ {
		data, err := c.do(ctx, listPageQuery, map[string]any{
			"userId":  userID,
			"page":    page,
			"perPage": listPageSize,
		})
		if err != nil {
			return store.Snapshot{}, 0, fmt.Errorf("fetching list page %d: %w", page, err)
		}

		pageData := data.Get("Page")
		if !pageData.Exists() {
			return store.Snapshot{}, 0, fmt.Errorf("%w: list response has no Page", apperrors.ErrProtocol)
		}

		for _, raw := range pageData.Get("mediaList").Array() {
			entity, err := parseEntry(raw)
			if err != nil {
				skipped++
				c.logger.Warn("skipping malformed list entry",
					slog.Int("payload_bytes", len(raw.Raw)),
					slog.String("error", err.Error()),
				)

				continue
			}

			snap.Entries[entity.MediaID] = entity
		}

		if !pageData.Get("pageInfo.hasNextPage").Bool() {
			break
		}

		if page == maxListPages {
			// Snapshot is truncated; surface it rather than spinning.
			c.logger.Warn("list pagination stopped at page cap",
				slog.Int("pages", maxListPages),
				slog.Int("entries", len(snap.Entries)),
			)
		}
	}

	snap.FetchedAt = time.Now().UTC()

	return snap, skipped, nil
}

// FetchEntry returns the current remote state of a single entry, or nil
// if the entry does not exist. Used to verify whether a retried intent
// already took effect before resending it.
func (c *Client) FetchEntry(ctx context.Context, userID, mediaID int) (*store.Entity, error) {
	data, err := c.do(ctx, entryQuery, map[string]any{
		"userId":  userID,
		"mediaId": mediaID,
	})
	if errors.Is(err, errNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching entry %d: %w", mediaID, err)
	}

	entity, err := parseEntry(data.Get("MediaList"))
	if err != nil {
		return nil, err
	}

	return &entity, nil
}

// Apply executes one mutation intent against the remote. Creates and
// updates both go through SaveMediaListEntry, which upserts; deletes go
// through DeleteMediaListEntry and need the remote entry id.
func (c *Client) Apply(ctx context.Context, intent syncer.MutationIntent) (store.Entity, error) {
	if intent.Kind == syncer.MutationDelete {
		if intent.EntryID == 0 {
			return store.Entity{}, fmt.Errorf("%w: delete intent for media %d has no entry id", apperrors.ErrProtocol, intent.MediaID)
		}

		data, err := c.do(ctx, deleteEntryMutation, map[string]any{"id": intent.EntryID})
		if err != nil {
			return store.Entity{}, fmt.Errorf("deleting entry %d: %w", intent.EntryID, err)
		}

		if !data.Get("DeleteMediaListEntry.deleted").Bool() {
			return store.Entity{}, fmt.Errorf("%w: delete of entry %d not acknowledged", apperrors.ErrProtocol, intent.EntryID)
		}

		return store.Entity{}, nil
	}

	variables := map[string]any{"mediaId": intent.MediaID}
	if intent.Delta.Status != nil {
		variables["status"] = *intent.Delta.Status
	}

	if intent.Delta.Progress != nil {
		variables["progress"] = *intent.Delta.Progress
	}

	if intent.Delta.Score != nil {
		variables["score"] = *intent.Delta.Score
	}

	data, err := c.do(ctx, saveEntryMutation, variables)
	if err != nil {
		return store.Entity{}, fmt.Errorf("saving entry for media %d: %w", intent.MediaID, err)
	}

	entity, err := parseEntry(data.Get("SaveMediaListEntry"))
	if err != nil {
		return store.Entity{}, err
	}

	if entity.MediaID != intent.MediaID {
		return store.Entity{}, fmt.Errorf("%w: save ack is for media %d, wanted %d", apperrors.ErrProtocol, entity.MediaID, intent.MediaID)
	}

	return entity, nil
}

// parseEntry validates one MediaList payload against the expected
// entity shape. Errors carry the payload size, never its contents.
func parseEntry(raw gjson.Result) (store.Entity, error) {
	if !raw.Exists() || !raw.IsObject() {
		return store.Entity{}, fmt.Errorf("%w: entry payload missing (%d bytes)", apperrors.ErrProtocol, len(raw.Raw))
	}

	mediaID := raw.Get("mediaId").Int()
	status := raw.Get("status").String()
	progress := raw.Get("progress").Int()

	if mediaID <= 0 || status == "" || progress < 0 {
		return store.Entity{}, fmt.Errorf("%w: entry payload failed shape validation (%d bytes)", apperrors.ErrProtocol, len(raw.Raw))
	}

	return store.Entity{
		MediaID:   int(mediaID),
		EntryID:   int(raw.Get("id").Int()),
		Status:    status,
		Progress:  int(progress),
		Score:     raw.Get("score").Float(),
		UpdatedAt: raw.Get("updatedAt").Int(),
	}, nil
}
