package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loykin/checkengine/internal/history"
)

// Config locates the index. Username enables basic auth.
type Config struct {
	BaseURL  string
	Index    string
	Username string
	Password string
	Timeout  time.Duration
}

// Sink indexes check events over the OpenSearch REST API.
// Documents are PUT to <base>/<index>/_doc/<event id> so a retried send
// does not index the same check twice.
type Sink struct {
	client *http.Client
	cfg    Config
}

func New(cfg Config) *Sink {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Sink{client: &http.Client{Timeout: cfg.Timeout}, cfg: cfg}
}

type document struct {
	history.Event
	State      string  `json:"state"`
	DurationMS float64 `json:"duration_ms"`
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	b, err := json.Marshal(document{
		Event:      e,
		State:      e.State(),
		DurationMS: float64(e.Result.Duration().Microseconds()) / 1000,
	})
	if err != nil {
		return err
	}
	u := s.cfg.BaseURL + "/" + url.PathEscape(s.cfg.Index) + "/_doc/" + url.PathEscape(e.ID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.Username != "" {
		req.SetBasicAuth(s.cfg.Username, s.cfg.Password)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("opensearch sink status %d%s", resp.StatusCode, reason(resp.Body))
	}
	return nil
}

// reason extracts error.reason from an OpenSearch error body.
func reason(r io.Reader) string {
	var body struct {
		Error json.RawMessage `json:"error"`
	}
	if json.NewDecoder(io.LimitReader(r, 64<<10)).Decode(&body) != nil || len(body.Error) == 0 {
		return ""
	}
	var detail struct {
		Reason string `json:"reason"`
	}
	if json.Unmarshal(body.Error, &detail) == nil && detail.Reason != "" {
		return ": " + detail.Reason
	}
	var msg string
	if json.Unmarshal(body.Error, &msg) == nil && msg != "" {
		return ": " + msg
	}
	return ""
}
