package opensearch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/loykin/gamewatch/internal/history"
)

// Options select where documents go.
type Options struct {
	BaseURL  string
	Index    string
	Daily    bool // write to Index-YYYY.MM.DD by event time
	Username string
	Password string
	Timeout  time.Duration
}

// Sink indexes events into OpenSearch (or Elasticsearch) over HTTP. Each
// document gets a fresh id and is written with PUT, so a retried request
// cannot create a duplicate.
type Sink struct {
	client *http.Client
	opts   Options
}

func New(opts Options) *Sink {
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	return &Sink{client: &http.Client{Timeout: opts.Timeout}, opts: opts}
}

// IndexFor is the index an event is written to.
func (s *Sink) IndexFor(e history.Event) string {
	if !s.opts.Daily {
		return s.opts.Index
	}
	return s.opts.Index + "-" + e.OccurredAt.UTC().Format("2006.01.02")
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	u := fmt.Sprintf("%s/%s/_doc/%s", s.opts.BaseURL, s.IndexFor(e), uuid.NewString())
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.opts.Username != "" {
		req.SetBasicAuth(s.opts.Username, s.opts.Password)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("opensearch sink status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
