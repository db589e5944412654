package transport

import (
	"bytes"
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
)

// RouterError is the typed error surfaced for a RouterOS !trap reply or a
// non-2xx REST response, carrying the semantic classifiers callers need
// without string-matching the detail message themselves.
type RouterError struct {
	Status  int
	Detail  string
	Command string
	Raw     string
	At      time.Time
}

func (e *RouterError) Error() string {
	return fmt.Sprintf("router error (status=%d, command=%s): %s", e.Status, e.Command, e.Detail)
}

// NotFound reports whether the error represents a missing object.
func (e *RouterError) NotFound() bool { return e.Status == http.StatusNotFound }

// IsAuthError reports whether the error represents failed authentication.
func (e *RouterError) IsAuthError() bool { return e.Status == http.StatusUnauthorized }

// Permission reports whether the error represents an authorization failure.
func (e *RouterError) Permission() bool { return e.Status == http.StatusForbidden }

// RateLimit reports whether the router itself rejected the request for rate.
func (e *RouterError) RateLimit() bool { return e.Status == http.StatusTooManyRequests }

// Retryable reports whether the error is likely transient.
func (e *RouterError) Retryable() bool {
	switch e.Status {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// Duplicate reports whether the error represents a request to create an
// object that already exists.
func (e *RouterError) Duplicate() bool {
	if e.Status != http.StatusBadRequest {
		return false
	}
	d := strings.ToLower(e.Detail)
	return strings.Contains(d, "already exists") || strings.Contains(d, "already have")
}

// IdempotencyLostError is returned when a duplicate-create was detected but
// the recovery GET failed to find the pre-existing object.
type IdempotencyLostError struct {
	Path string
	Key  string
	Val  string
}

func (e *IdempotencyLostError) Error() string {
	return fmt.Sprintf("idempotency lost: %s %s=%s not found on recovery", e.Path, e.Key, e.Val)
}

// RecoveryMarker is set on a result row recovered via idempotency replay, so
// callers can distinguish "already existed" from "just created".
const RecoveryMarker = ".recovered"

// WriteOptions configures an idempotent write's duplicate-recovery behavior
// and whether the write may be deferred when the connection is down.
type WriteOptions struct {
	Idempotent     bool
	IdempotencyKey string // defaults to "name"

	// Persistent marks a command as eligible for the offline queue: when the
	// circuit breaker rejects the write as open, it is appended to the queue
	// instead of propagating the failure to the caller. The connection's
	// connected state is not consulted; while the breaker is closed a
	// persistent write is dispatched and fails like any other.
	// Non-persistent writes always fail loudly on a circuit-open rejection.
	Persistent bool
}

func (o WriteOptions) key() string {
	if o.IdempotencyKey == "" {
		return "name"
	}
	return o.IdempotencyKey
}

// REST is the HTTP verb-mapped carrier for the modern RouterOS API.
type REST struct {
	BaseURL  string // e.g. "https://10.0.0.1"
	User     string
	Password string
	Client   *http.Client
}

// NewREST constructs a REST transport with sane client defaults.
func NewREST(baseURL, user, password string) *REST {
	return &REST{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		User:     user,
		Password: password,
		Client:   &http.Client{Timeout: 30 * time.Second},
	}
}

// Print performs a read. With no params it issues a plain GET; with params
// it POSTs to "<path>/print" with a ".proplist"/".query" body.
func (r *REST) Print(ctx context.Context, path string, proplist []string, query []string) ([]map[string]any, error) {
	if len(proplist) == 0 && len(query) == 0 {
		return r.do(ctx, http.MethodGet, r.restPath(path), nil, path)
	}
	body := map[string]any{}
	if len(proplist) > 0 {
		body[".proplist"] = proplist
	}
	if len(query) > 0 {
		body[".query"] = query
	}
	return r.do(ctx, http.MethodPost, r.restPath(path)+"/print", body, path)
}

// Add performs a PUT create, following the idempotency-recovery path on a
// duplicate response when opts.Idempotent is set.
func (r *REST) Add(ctx context.Context, path string, params map[string]string, opts WriteOptions) ([]map[string]any, error) {
	rows, err := r.do(ctx, http.MethodPut, r.restPath(path), toAny(params), path)
	if err != nil {
		var rerr *RouterError
		if errors.As(err, &rerr) && rerr.Duplicate() && opts.Idempotent {
			return r.recover(ctx, path, opts.key(), params[opts.key()])
		}
		return nil, err
	}
	return rows, nil
}

// Set performs a PATCH update; id must be supplied separately from params,
// which must not contain ".id".
func (r *REST) Set(ctx context.Context, path, id string, params map[string]string) ([]map[string]any, error) {
	clean := make(map[string]string, len(params))
	for k, v := range params {
		if k == ".id" {
			continue
		}
		clean[k] = v
	}
	return r.do(ctx, http.MethodPatch, r.restPath(path)+"/"+url.PathEscape(id), toAny(clean), path)
}

// Remove performs a DELETE.
func (r *REST) Remove(ctx context.Context, path, id string) ([]map[string]any, error) {
	return r.do(ctx, http.MethodDelete, r.restPath(path)+"/"+url.PathEscape(id), nil, path)
}

// Do performs a generic POST for commands that don't fit print/add/set/remove.
func (r *REST) Do(ctx context.Context, path string, params map[string]string) ([]map[string]any, error) {
	return r.do(ctx, http.MethodPost, r.restPath(path), toAny(params), path)
}

func (r *REST) recover(ctx context.Context, path, key, val string) ([]map[string]any, error) {
	q := url.Values{}
	q.Set(key, val)
	rows, err := r.do(ctx, http.MethodGet, r.restPath(path)+"?"+q.Encode(), nil, path)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &IdempotencyLostError{Path: path, Key: key, Val: val}
	}
	rows[0][RecoveryMarker] = true
	return rows[:1], nil
}

func (r *REST) restPath(path string) string {
	return r.BaseURL + "/rest" + path
}

func toAny(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (r *REST) do(ctx context.Context, method, u string, body any, command string) ([]map[string]any, error) {
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		rdr = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.SetBasicAuth(r.User, r.Password)
	if rdr != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rest request: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, parseRouterError(resp.StatusCode, raw, command)
	}

	return normalizeRows(raw)
}

func parseRouterError(status int, raw []byte, command string) *RouterError {
	detail := strings.TrimSpace(string(raw))
	var parsed struct {
		Detail  string `json:"detail"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &parsed) == nil {
		if parsed.Detail != "" {
			detail = parsed.Detail
		} else if parsed.Message != "" {
			detail = parsed.Message
		}
	}
	return &RouterError{Status: status, Detail: detail, Command: command, Raw: string(raw), At: nowFunc()}
}

// nowFunc is indirected so tests can make the clock deterministic.
var nowFunc = time.Now

func normalizeRows(raw []byte) ([]map[string]any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	var asList []map[string]any
	if err := json.Unmarshal(raw, &asList); err == nil {
		return asList, nil
	}
	var asObj map[string]any
	if err := json.Unmarshal(raw, &asObj); err == nil {
		return []map[string]any{asObj}, nil
	}
	return nil, fmt.Errorf("unexpected REST response body: %s", strconv.Quote(string(raw)))
}
