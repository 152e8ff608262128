// Package httpjson is a generic adapter for paginated JSON-over-HTTP APIs.
// Request parameter names and response paths are configuration.
package httpjson

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/livinlefevreloca/tideline/internal/adapter"
)

// Config describes one API endpoint.
type Config struct {
	// URL may contain {account_id} and {family} placeholders.
	URL            string            `toml:"url"`
	FromParam      string            `toml:"from_param"`
	ToParam        string            `toml:"to_param"`
	TokenParam     string            `toml:"token_param"`
	ResumeParam    string            `toml:"resume_param"`
	PageSizeParam  string            `toml:"page_size_param"`
	TimeFormat     string            `toml:"time_format"`
	RecordsPath    string            `toml:"records_path"`
	NextTokenPath  string            `toml:"next_token_path"`
	CheckpointPath string            `toml:"checkpoint_path"`
	Headers        map[string]string `toml:"headers"`
	// MaxBodyBytes bounds a response body. Zero means 32 MiB.
	MaxBodyBytes int64 `toml:"max_body_bytes"`
}

// WithDefaults fills unset parameter names and paths.
func (c Config) WithDefaults() Config {
	if c.FromParam == "" {
		c.FromParam = "from"
	}
	if c.ToParam == "" {
		c.ToParam = "to"
	}
	if c.TokenParam == "" {
		c.TokenParam = "page_token"
	}
	if c.ResumeParam == "" {
		c.ResumeParam = "since_token"
	}
	if c.PageSizeParam == "" {
		c.PageSizeParam = "limit"
	}
	if c.TimeFormat == "" {
		c.TimeFormat = time.RFC3339
	}
	if c.RecordsPath == "" {
		c.RecordsPath = "data"
	}
	if c.NextTokenPath == "" {
		c.NextTokenPath = "next_page_token"
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 32 << 20
	}
	return c
}

// Adapter implements adapter.Adapter over HTTP.
type Adapter struct {
	cfg    Config
	client *http.Client
}

// New creates an adapter. A nil client uses http.DefaultClient.
func New(cfg Config, client *http.Client) (*Adapter, error) {
	if cfg.URL == "" {
		return nil, errors.New("httpjson: url must be set")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("httpjson: invalid url: %w", err)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Adapter{cfg: cfg.WithDefaults(), client: client}, nil
}

func (a *Adapter) buildURL(req adapter.Request) (string, error) {
	raw := strings.NewReplacer(
		"{account_id}", url.PathEscape(req.AccountID),
		"{family}", url.PathEscape(req.Family),
	).Replace(a.cfg.URL)

	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}

	q := u.Query()
	if req.Token != "" {
		q.Set(a.cfg.TokenParam, req.Token)
	} else {
		if !req.Window.From.IsZero() {
			q.Set(a.cfg.FromParam, req.Window.From.UTC().Format(a.cfg.TimeFormat))
		}
		if !req.Window.To.IsZero() {
			q.Set(a.cfg.ToParam, req.Window.To.UTC().Format(a.cfg.TimeFormat))
		}
		if req.ResumeToken != "" {
			q.Set(a.cfg.ResumeParam, req.ResumeToken)
		}
	}
	if req.PageSize > 0 {
		q.Set(a.cfg.PageSizeParam, strconv.Itoa(req.PageSize))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Fetch implements adapter.Adapter.
func (a *Adapter) Fetch(ctx context.Context, req adapter.Request) (adapter.Page, error) {
	target, err := a.buildURL(req)
	if err != nil {
		return adapter.Page{}, adapter.Fatal(fmt.Errorf("build request url: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return adapter.Page{}, adapter.Fatal(err)
	}
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range a.cfg.Headers {
		httpReq.Header.Set(k, v)
	}
	if req.Credential.Value != "" {
		typ := req.Credential.Type
		if typ == "" || strings.EqualFold(typ, "bearer") {
			typ = "Bearer"
		}
		httpReq.Header.Set("Authorization", typ+" "+req.Credential.Value)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return adapter.Page{}, adapter.Transient(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, a.cfg.MaxBodyBytes))
	if err != nil {
		return adapter.Page{}, adapter.Transient(fmt.Errorf("read body: %w", err))
	}

	if err := classifyStatus(resp, body); err != nil {
		return adapter.Page{}, err
	}
	return a.parsePage(body)
}

func (a *Adapter) parsePage(body []byte) (adapter.Page, error) {
	if !gjson.ValidBytes(body) {
		return adapter.Page{}, adapter.Fatal(errors.New("response is not valid JSON"))
	}

	records := gjson.GetBytes(body, a.cfg.RecordsPath)
	if records.Exists() && !records.IsArray() {
		return adapter.Page{}, adapter.Fatal(fmt.Errorf("%s is not an array", a.cfg.RecordsPath))
	}

	page := adapter.Page{}
	records.ForEach(func(_, value gjson.Result) bool {
		page.Records = append(page.Records, json.RawMessage(value.Raw))
		return true
	})
	if next := gjson.GetBytes(body, a.cfg.NextTokenPath); next.Exists() && next.Type != gjson.Null {
		page.NextToken = next.String()
	}
	if a.cfg.CheckpointPath != "" {
		if cp := gjson.GetBytes(body, a.cfg.CheckpointPath); cp.Exists() && cp.Type != gjson.Null {
			page.Checkpoint = cp.String()
		}
	}
	return page, nil
}

func classifyStatus(resp *http.Response, body []byte) error {
	code := resp.StatusCode
	if code >= 200 && code < 300 {
		return nil
	}

	err := fmt.Errorf("http %d: %s", code, snippet(body))
	switch {
	case code == http.StatusTooManyRequests:
		return adapter.RateLimited(err, parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()))
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return adapter.AuthExpired(err)
	case code == http.StatusRequestTimeout || code >= 500:
		return adapter.Transient(err)
	default:
		return adapter.Fatal(err)
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP date. Unparseable values
// yield zero so the exponential policy applies.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func snippet(body []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		s = s[:limit] + "..."
	}
	return s
}
