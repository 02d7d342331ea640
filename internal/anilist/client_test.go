package anilist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/alexjbarnes/anilist-sync/internal/apperrors"
	"github.com/alexjbarnes/anilist-sync/internal/syncer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

const testToken = "tok_test_123"

// newTestClient points a client at a local test server with a rate
// limit high enough to never block the test.
func newTestClient(t *testing.T, maxAttempts int, handler http.HandlerFunc) *Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewClient(srv.Client(), Config{
		Token:             testToken,
		RequestsPerMinute: 6000,
		MaxAttempts:       maxAttempts,
	}, quietLogger)
	c.baseURL = srv.URL

	return c
}

type capturedRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

func decodeRequest(t *testing.T, r *http.Request) capturedRequest {
	t.Helper()

	var req capturedRequest
	require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

	return req
}

// --- Viewer ---

func TestViewer_Success(t *testing.T) {
	c := newTestClient(t, 1, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer "+testToken, r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		_, _ = w.Write([]byte(`{"data":{"Viewer":{"id":7,"name":"tester"}}}`))
	})

	v, err := c.Viewer(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, v.ID)
	assert.Equal(t, "tester", v.Name)
}

func TestViewer_MissingDataIsProtocolError(t *testing.T) {
	c := newTestClient(t, 1, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})

	_, err := c.Viewer(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrProtocol)
}

func TestViewer_InvalidJSONIsProtocolError(t *testing.T) {
	c := newTestClient(t, 1, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>not json</html>`))
	})

	_, err := c.Viewer(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrProtocol)
}

// --- error classification ---

func TestAuthFailureNotRetried(t *testing.T) {
	var calls atomic.Int32

	c := newTestClient(t, 3, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := c.Viewer(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrAuth)
	assert.Equal(t, int32(1), calls.Load(), "auth errors must not be retried")
}

func TestGraphQLAuthErrorNotRetried(t *testing.T) {
	var calls atomic.Int32

	c := newTestClient(t, 3, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"errors":[{"message":"Invalid token","status":401}]}`))
	})

	_, err := c.Viewer(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrAuth)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGraphQLInvalidTokenAs400NotRetried(t *testing.T) {
	// AniList reports an expired token as a 400-class GraphQL error, not
	// a 401. It must still classify as an auth failure.
	var calls atomic.Int32

	c := newTestClient(t, 3, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"errors":[{"message":"Invalid token","status":400}]}`))
	})

	_, err := c.Viewer(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrAuth)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGraphQLOther400IsNotAuth(t *testing.T) {
	c := newTestClient(t, 1, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"errors":[{"message":"Validation failed","status":400}]}`))
	})

	_, err := c.Viewer(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, apperrors.ErrAuth)
}

func TestTransientFailureRetriedThenSucceeds(t *testing.T) {
	var calls atomic.Int32

	c := newTestClient(t, 3, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}

		_, _ = w.Write([]byte(`{"data":{"Viewer":{"id":7,"name":"tester"}}}`))
	})

	v, err := c.Viewer(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, v.ID)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRetriesExhaustedFailAsUnavailable(t *testing.T) {
	var calls atomic.Int32

	c := newTestClient(t, 2, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := c.Viewer(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrRemoteUnavailable)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRateLimitedRetryHonorsRetryAfter(t *testing.T) {
	var calls atomic.Int32

	c := newTestClient(t, 2, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)

			return
		}

		_, _ = w.Write([]byte(`{"data":{"Viewer":{"id":7,"name":"tester"}}}`))
	})

	v, err := c.Viewer(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, v.ID)
}

// --- FetchList ---

func TestFetchList_Paginates(t *testing.T) {
	c := newTestClient(t, 1, func(w http.ResponseWriter, r *http.Request) {
		req := decodeRequest(t, r)
		assert.Equal(t, float64(7), req.Variables["userId"])

		switch req.Variables["page"] {
		case float64(1):
			_, _ = w.Write([]byte(`{"data":{"Page":{
				"pageInfo":{"hasNextPage":true},
				"mediaList":[{"id":11,"mediaId":1,"status":"CURRENT","progress":5,"score":8.5,"updatedAt":100}]
			}}}`))
		case float64(2):
			_, _ = w.Write([]byte(`{"data":{"Page":{
				"pageInfo":{"hasNextPage":false},
				"mediaList":[{"id":22,"mediaId":2,"status":"COMPLETED","progress":12,"score":0,"updatedAt":200}]
			}}}`))
		default:
			t.Errorf("unexpected page %v", req.Variables["page"])
		}
	})

	snap, skipped, err := c.FetchList(context.Background(), 7)
	require.NoError(t, err)
	assert.Zero(t, skipped)
	require.Len(t, snap.Entries, 2)

	assert.Equal(t, 11, snap.Entries[1].EntryID)
	assert.Equal(t, "CURRENT", snap.Entries[1].Status)
	assert.Equal(t, 8.5, snap.Entries[1].Score)
	assert.Equal(t, 12, snap.Entries[2].Progress)
	assert.False(t, snap.FetchedAt.IsZero())
}

func TestFetchList_SkipsMalformedEntries(t *testing.T) {
	c := newTestClient(t, 1, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"Page":{
			"pageInfo":{"hasNextPage":false},
			"mediaList":[
				{"id":11,"mediaId":1,"status":"CURRENT","progress":5,"updatedAt":100},
				{"id":22,"status":"CURRENT","progress":1,"updatedAt":100},
				{"id":33,"mediaId":3,"status":"","progress":1,"updatedAt":100}
			]
		}}}`))
	})

	snap, skipped, err := c.FetchList(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 2, skipped)
	require.Len(t, snap.Entries, 1)
	assert.Contains(t, snap.Entries, 1)
}

func TestFetchList_WarnsWhenPageCapReached(t *testing.T) {
	var pages atomic.Int32

	c := newTestClient(t, 1, func(w http.ResponseWriter, r *http.Request) {
		req := decodeRequest(t, r)
		page := int(req.Variables["page"].(float64))
		pages.Add(1)

		// One entry per page, never reporting a last page.
		fmt.Fprintf(w, `{"data":{"Page":{
			"pageInfo":{"hasNextPage":true},
			"mediaList":[{"id":%d,"mediaId":%d,"status":"CURRENT","progress":1,"updatedAt":100}]
		}}}`, page, page)
	})

	var logs bytes.Buffer
	c.logger = slog.New(slog.NewTextHandler(&logs, nil))

	snap, skipped, err := c.FetchList(context.Background(), 7)
	require.NoError(t, err)
	assert.Zero(t, skipped)
	assert.Equal(t, int32(maxListPages), pages.Load())
	assert.Len(t, snap.Entries, maxListPages)
	assert.Contains(t, logs.String(), "page cap")
}

func TestFetchList_MissingPageIsProtocolError(t *testing.T) {
	c := newTestClient(t, 1, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{}}`))
	})

	_, _, err := c.FetchList(context.Background(), 7)
	assert.ErrorIs(t, err, apperrors.ErrProtocol)
}

// --- FetchEntry ---

func TestFetchEntry_Found(t *testing.T) {
	c := newTestClient(t, 1, func(w http.ResponseWriter, r *http.Request) {
		req := decodeRequest(t, r)
		assert.Equal(t, float64(7), req.Variables["userId"])
		assert.Equal(t, float64(1), req.Variables["mediaId"])

		_, _ = w.Write([]byte(`{"data":{"MediaList":{"id":11,"mediaId":1,"status":"CURRENT","progress":5,"score":8,"updatedAt":100}}}`))
	})

	e, err := c.FetchEntry(context.Background(), 7, 1)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, 5, e.Progress)
}

func TestFetchEntry_NotFoundReturnsNil(t *testing.T) {
	c := newTestClient(t, 1, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"errors":[{"message":"Not Found.","status":404}]}`))
	})

	e, err := c.FetchEntry(context.Background(), 7, 1)
	require.NoError(t, err)
	assert.Nil(t, e)
}

// --- Apply ---

func saveIntent(mediaID int, progress int) syncer.MutationIntent {
	return syncer.MutationIntent{
		Kind:    syncer.MutationUpdate,
		MediaID: mediaID,
		EntryID: 11,
		Delta:   syncer.FieldDelta{Progress: &progress},
	}
}

func TestApply_SaveSendsOnlySetFields(t *testing.T) {
	c := newTestClient(t, 1, func(w http.ResponseWriter, r *http.Request) {
		req := decodeRequest(t, r)
		assert.Equal(t, float64(1), req.Variables["mediaId"])
		assert.Equal(t, float64(6), req.Variables["progress"])
		assert.NotContains(t, req.Variables, "status")
		assert.NotContains(t, req.Variables, "score")

		_, _ = w.Write([]byte(`{"data":{"SaveMediaListEntry":{"id":11,"mediaId":1,"status":"CURRENT","progress":6,"score":0,"updatedAt":150}}}`))
	})

	e, err := c.Apply(context.Background(), saveIntent(1, 6))
	require.NoError(t, err)
	assert.Equal(t, 6, e.Progress)
	assert.Equal(t, int64(150), e.UpdatedAt)
}

func TestApply_SaveAckForWrongMediaIsProtocolError(t *testing.T) {
	c := newTestClient(t, 1, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"SaveMediaListEntry":{"id":11,"mediaId":999,"status":"CURRENT","progress":6,"updatedAt":150}}}`))
	})

	_, err := c.Apply(context.Background(), saveIntent(1, 6))
	assert.ErrorIs(t, err, apperrors.ErrProtocol)
}

func TestApply_Delete(t *testing.T) {
	c := newTestClient(t, 1, func(w http.ResponseWriter, r *http.Request) {
		req := decodeRequest(t, r)
		assert.Equal(t, float64(11), req.Variables["id"])

		_, _ = w.Write([]byte(`{"data":{"DeleteMediaListEntry":{"deleted":true}}}`))
	})

	_, err := c.Apply(context.Background(), syncer.MutationIntent{
		Kind:    syncer.MutationDelete,
		MediaID: 1,
		EntryID: 11,
	})
	require.NoError(t, err)
}

func TestApply_DeleteWithoutEntryIDIsProtocolError(t *testing.T) {
	c := newTestClient(t, 1, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request should be sent")
	})

	_, err := c.Apply(context.Background(), syncer.MutationIntent{
		Kind:    syncer.MutationDelete,
		MediaID: 1,
	})
	assert.ErrorIs(t, err, apperrors.ErrProtocol)
}

func TestApply_DeleteNotAcknowledgedIsProtocolError(t *testing.T) {
	c := newTestClient(t, 1, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"DeleteMediaListEntry":{"deleted":false}}}`))
	})

	_, err := c.Apply(context.Background(), syncer.MutationIntent{
		Kind:    syncer.MutationDelete,
		MediaID: 1,
		EntryID: 11,
	})
	assert.ErrorIs(t, err, apperrors.ErrProtocol)
}
