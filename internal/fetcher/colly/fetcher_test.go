package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/batchpilot/batchpilot/internal/batch"
)

func newTestFetcher(t *testing.T, cfg Config) *Fetcher {
	t.Helper()
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	return New(cfg, nil)
}

func TestProcessReturnsPayload(t *testing.T) {
	t.Parallel()

	var gotAgent atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAgent.Store(r.UserAgent())
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html>ok</html>"))
	}))
	defer srv.Close()

	f := newTestFetcher(t, Config{UserAgent: "batchpilot-test/1.0"})
	payload, err := f.Process(context.Background(), batch.Request{JobID: "job-1", URL: srv.URL})
	require.NoError(t, err)

	require.Equal(t, srv.URL, payload.URL)
	require.Equal(t, http.StatusOK, payload.StatusCode)
	require.Equal(t, []byte("<html>ok</html>"), payload.Data)
	require.Equal(t, "text/html; charset=utf-8", payload.Meta["content_type"])
	require.Equal(t, "batchpilot-test/1.0", gotAgent.Load())
}

func TestProcessHeaderOverridesIdentity(t *testing.T) {
	t.Parallel()

	var gotAgent atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAgent.Store(r.UserAgent())
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := newTestFetcher(t, Config{UserAgent: "batchpilot-test/1.0"})
	headers := http.Header{}
	headers.Set("User-Agent", "rotated-identity/2.0")
	_, err := f.Process(context.Background(), batch.Request{URL: srv.URL, Headers: headers})
	require.NoError(t, err)
	require.Equal(t, "rotated-identity/2.0", gotAgent.Load())
}

func TestProcessMapsHTTPStatuses(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		status   int
		category batch.Category
		code     string
	}{
		{name: "not found", status: http.StatusNotFound, category: batch.CategoryClient, code: "http_404"},
		{name: "too many requests", status: http.StatusTooManyRequests, category: batch.CategoryRateLimit, code: "http_429"},
		{name: "server error", status: http.StatusInternalServerError, category: batch.CategoryServer, code: "http_500"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			f := newTestFetcher(t, Config{})
			_, err := f.Process(context.Background(), batch.Request{URL: srv.URL})
			require.Error(t, err)

			var tagged *batch.Error
			require.ErrorAs(t, err, &tagged)
			require.Equal(t, tt.category, tagged.Category)
			require.Equal(t, tt.code, tagged.Code)
			require.Equal(t, tt.status, tagged.Status)
		})
	}
}

func TestProcessHonorsContextDeadline(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	defer close(release)

	f := newTestFetcher(t, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := f.Process(ctx, batch.Request{URL: srv.URL})
	require.Error(t, err)

	var tagged *batch.Error
	require.ErrorAs(t, err, &tagged)
	require.Equal(t, batch.CategoryTimeout, tagged.Category)
}

func TestProcessClassifiesConnectionFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	url := srv.URL
	srv.Close()

	f := newTestFetcher(t, Config{})
	_, err := f.Process(context.Background(), batch.Request{URL: url})
	require.Error(t, err)

	var tagged *batch.Error
	require.ErrorAs(t, err, &tagged)
	require.Equal(t, batch.CategoryNetwork, tagged.Category)
}

func TestProcessBodyCap(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(make([]byte, 64*1024))
	}))
	defer srv.Close()

	f := newTestFetcher(t, Config{MaxBodyBytes: 1024})
	payload, err := f.Process(context.Background(), batch.Request{URL: srv.URL})
	if err != nil {
		// Some transports surface a truncated read as an error instead of
		// clipping the body. Either way the cap must hold.
		var tagged *batch.Error
		require.True(t, errors.As(err, &tagged))
		return
	}
	require.LessOrEqual(t, len(payload.Data), 1024)
}
