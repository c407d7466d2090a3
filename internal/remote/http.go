package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/livinlefevreloca/tasksync/internal/identity"
	"github.com/livinlefevreloca/tasksync/internal/records"
)

// Config holds remote service settings
type Config struct {
	// Enabled switches remote sync on. With it off the engine is local only.
	Enabled bool          `toml:"enabled"`
	URL     string        `toml:"url"`
	APIKey  string        `toml:"api_key"`
	Timeout time.Duration `toml:"timeout"`
}

// DefaultConfig returns the default remote configuration
func DefaultConfig() Config {
	return Config{
		Enabled: false,
		Timeout: 15 * time.Second,
	}
}

// HTTPBackend talks to a PostgREST style REST API with a websocket change
// feed. Requests carry the caller's access token when one is available.
type HTTPBackend struct {
	base   *url.URL
	apiKey string
	ids    identity.Provider
	client *http.Client
	logger *slog.Logger
}

// NewHTTPBackend validates cfg and builds a backend
func NewHTTPBackend(cfg Config, ids identity.Provider, logger *slog.Logger) (*HTTPBackend, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("remote: url must be specified")
	}
	base, err := url.Parse(strings.TrimRight(cfg.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("remote: invalid url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("remote: unsupported url scheme %q", base.Scheme)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &HTTPBackend{
		base:   base,
		apiKey: cfg.APIKey,
		ids:    ids,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}, nil
}

// Upsert posts rows with merge-duplicates resolution on the primary key
func (b *HTTPBackend) Upsert(ctx context.Context, table records.Table, rows []json.RawMessage) error {
	if len(rows) == 0 {
		return nil
	}

	body, err := json.Marshal(rows)
	if err != nil {
		return &Error{Kind: KindValidation, Op: "upsert", Table: table, Err: err}
	}

	q := url.Values{"on_conflict": {"id"}}
	req, err := b.newRequest(ctx, http.MethodPost, table, q, bytes.NewReader(body))
	if err != nil {
		return transportError("upsert", table, err)
	}
	req.Header.Set("Prefer", "resolution=merge-duplicates,return=minimal")

	_, err = b.do(req, "upsert", table)
	return err
}

// Delete removes the row with id. An empty representation means the row was
// already absent.
func (b *HTTPBackend) Delete(ctx context.Context, table records.Table, id string) error {
	q := url.Values{"id": {"eq." + id}}
	req, err := b.newRequest(ctx, http.MethodDelete, table, q, nil)
	if err != nil {
		return transportError("delete", table, err)
	}
	req.Header.Set("Prefer", "return=representation")

	body, err := b.do(req, "delete", table)
	if err != nil {
		return err
	}

	var deleted []json.RawMessage
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &deleted); err != nil {
			return &Error{Kind: KindValidation, Op: "delete", Table: table, Err: err}
		}
	}
	if len(deleted) == 0 {
		return &Error{Kind: KindNotFound, Op: "delete", Table: table, Message: "no row with id " + id}
	}
	return nil
}

// SelectAll scans table with filter applied server side
func (b *HTTPBackend) SelectAll(ctx context.Context, table records.Table, filter Filter) ([]json.RawMessage, error) {
	q := url.Values{"select": {"*"}, "order": {"id"}}
	for _, c := range filter {
		q.Add(c.Column, string(c.Op)+"."+c.Value)
	}

	req, err := b.newRequest(ctx, http.MethodGet, table, q, nil)
	if err != nil {
		return nil, transportError("select", table, err)
	}

	body, err := b.do(req, "select", table)
	if err != nil {
		return nil, err
	}

	rows := []json.RawMessage{}
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, &Error{Kind: KindValidation, Op: "select", Table: table, Err: err}
	}
	return rows, nil
}

func (b *HTTPBackend) newRequest(ctx context.Context, method string, table records.Table, q url.Values, body io.Reader) (*http.Request, error) {
	u := *b.base
	u.Path = u.Path + "/rest/v1/" + string(table)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	b.authorize(req.Header)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (b *HTTPBackend) authorize(h http.Header) {
	if b.apiKey != "" {
		h.Set("apikey", b.apiKey)
	}

	token := b.apiKey
	if b.ids != nil {
		if id := b.ids.Current(); id.Token != "" {
			token = id.Token
		}
	}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
}

// postgrestError is the error body PostgREST returns
type postgrestError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
	Hint    string `json:"hint"`
}

func (b *HTTPBackend) do(req *http.Request, op string, table records.Table) ([]byte, error) {
	start := time.Now()
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, transportError(op, table, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, transportError(op, table, err)
	}

	b.logger.Debug("remote request",
		"method", req.Method,
		"table", table,
		"status", resp.StatusCode,
		"duration", time.Since(start))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}

	var pe postgrestError
	_ = json.Unmarshal(body, &pe)
	msg := pe.Message
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	return nil, statusError(op, table, resp.StatusCode, pe.Code, msg)
}
