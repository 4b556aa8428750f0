package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/loykin/booklore-runner/internal/history"
)

// Sink indexes history events in OpenSearch (or Elasticsearch) over HTTP.
// Each event is POSTed as one document to baseURL + "/" + index + "/_doc".
type Sink struct {
	client   *http.Client
	baseURL  string
	index    string
	username string
	password string
}

// Options selects the cluster, target index and optional basic auth.
type Options struct {
	BaseURL  string
	Index    string
	Username string
	Password string
	Timeout  time.Duration
}

func New(opts Options) (*Sink, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("opensearch base url is required")
	}
	if opts.Index == "" || strings.ContainsAny(opts.Index, "/?#") {
		return nil, fmt.Errorf("invalid opensearch index %q", opts.Index)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	return &Sink{
		client:   &http.Client{Timeout: opts.Timeout},
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		index:    opts.Index,
		username: opts.Username,
		password: opts.Password,
	}, nil
}

// document is the indexed shape: the event flattened so every field is a
// top-level keyword or date in the index mapping.
type document struct {
	OccurredAt time.Time  `json:"occurred_at"`
	Event      string     `json:"event"`
	Kind       string     `json:"kind"`
	PID        int        `json:"pid"`
	StartedAt  time.Time  `json:"started_at"`
	StoppedAt  *time.Time `json:"stopped_at,omitempty"`
	ExitErr    string     `json:"exit_err,omitempty"`
	RunID      string     `json:"run_id"`
}

func newDocument(e history.Event) document {
	r := e.Record
	d := document{
		OccurredAt: e.OccurredAt.UTC(),
		Event:      string(e.Type),
		Kind:       r.Kind,
		PID:        r.PID,
		StartedAt:  r.StartedAt.UTC(),
		ExitErr:    r.ExitErr,
		RunID:      r.RunID,
	}
	if !r.StoppedAt.IsZero() {
		t := r.StoppedAt.UTC()
		d.StoppedAt = &t
	}
	return d
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	b, err := json.Marshal(newDocument(e))
	if err != nil {
		return fmt.Errorf("encode opensearch document: %w", err)
	}
	u := fmt.Sprintf("%s/%s/_doc", s.baseURL, s.index)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.username != "" {
		req.SetBasicAuth(s.username, s.password)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("opensearch sink status %d", resp.StatusCode)
	}
	return nil
}
