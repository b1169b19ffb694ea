// Package collyfetcher implements the engine's Processor interface on top of
// the gocolly collector. It is the reference fetch collaborator used by the
// CLI; the engine itself only sees the Processor interface.
package collyfetcher

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/batchpilot/batchpilot/internal/batch"
)

// Config controls collector behavior.
type Config struct {
	// UserAgent is the default outbound identity. Per-request headers
	// override it, which is how identity rotation reaches the wire.
	UserAgent string
	// Timeout bounds a single fetch when the request context carries no
	// deadline of its own.
	Timeout time.Duration
	// MaxBodyBytes caps the response body read. Zero means the colly
	// default.
	MaxBodyBytes int64
	// RespectRobots makes the collector honor robots.txt.
	RespectRobots bool
}

// Fetcher fetches one URL per Process call using a cloned Colly collector.
type Fetcher struct {
	cfg    Config
	base   *colly.Collector
	logger *zap.Logger
}

// New builds a Fetcher. The base collector carries the shared transport;
// each Process call clones it so per-request state never leaks across items.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
	)
	c.WithTransport(newHTTPTransport())
	if cfg.MaxBodyBytes > 0 {
		c.MaxBodySize = int(cfg.MaxBodyBytes)
	}
	// Error statuses must reach OnResponse so they map into the taxonomy
	// instead of surfacing as opaque collector errors.
	c.ParseHTTPErrorResponse = true
	return &Fetcher{cfg: cfg, base: c, logger: logger}
}

// Process fetches req.URL and returns the response payload. Failures come
// back as tagged *batch.Error values so the retry engine can classify them.
func (f *Fetcher) Process(ctx context.Context, req batch.Request) (batch.Payload, error) {
	var (
		payload  batch.Payload
		fetchErr error
	)
	start := time.Now()
	collector := f.buildCollector(ctx, req, start, &payload, &fetchErr)

	if err := f.runCollector(ctx, collector, req.URL); err != nil {
		return batch.Payload{}, batch.Classify(req.URL, err)
	}
	if fetchErr != nil {
		return batch.Payload{}, batch.Classify(req.URL, fetchErr)
	}
	if payload.StatusCode >= 400 {
		return batch.Payload{}, batch.NewHTTPError(req.URL, payload.StatusCode)
	}
	return payload, nil
}

func (f *Fetcher) buildCollector(
	ctx context.Context,
	req batch.Request,
	start time.Time,
	payload *batch.Payload,
	fetchErr *error,
) *colly.Collector {
	collector := f.base.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots

	timeout := f.cfg.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	collector.SetRequestTimeout(timeout)

	collector.OnRequest(func(r *colly.Request) {
		for key, values := range req.Headers {
			for i, v := range values {
				if i == 0 {
					r.Headers.Set(key, v)
					continue
				}
				r.Headers.Add(key, v)
			}
		}
	})

	collector.OnResponse(func(r *colly.Response) {
		meta := map[string]string{
			"final_url":   r.Request.URL.String(),
			"duration_ms": strconv.FormatInt(time.Since(start).Milliseconds(), 10),
		}
		if ct := r.Headers.Get("Content-Type"); ct != "" {
			meta["content_type"] = ct
		}
		*payload = batch.Payload{
			URL:        req.URL,
			StatusCode: r.StatusCode,
			Data:       append([]byte(nil), r.Body...),
			Meta:       meta,
		}
	})

	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode >= 400 {
			*fetchErr = batch.NewHTTPError(req.URL, r.StatusCode)
			return
		}
		*fetchErr = err
	})

	return collector
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
