// Package remote implements session.Session against a modelsync HTTP server.
package remote

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

	"modelsync/internal/domain"
	"modelsync/internal/events"
	"modelsync/internal/session"
)

const defaultBasePath = "/v0"

// Client is a session backed by the object store HTTP API.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

var _ session.Session = (*Client)(nil)

// Connect opens a session at endpoint. A password login is performed when
// creds carry no token. Transport and authentication failures are returned
// as *domain.ConnectionError.
func Connect(ctx context.Context, endpoint string, creds session.Credentials) (*Client, error) {
	base, err := baseURL(endpoint)
	if err != nil {
		return nil, &domain.ConnectionError{Endpoint: endpoint, Err: err}
	}
	c := &Client{BaseURL: base, BearerToken: creds.Token, Timeout: 30 * time.Second}
	if c.BearerToken == "" && creds.Username != "" {
		var resp struct {
			Token string `json:"token"`
		}
		body := map[string]string{"username": creds.Username, "password": creds.Password}
		if err := c.do(ctx, http.MethodPost, "auth/login", body, &resp); err != nil {
			return nil, asConnection(endpoint, err)
		}
		c.BearerToken = resp.Token
	}
	// health is public; events proves the token is accepted
	if err := c.do(ctx, http.MethodGet, "events?limit=1", nil, nil); err != nil {
		return nil, asConnection(endpoint, err)
	}
	return c, nil
}

func baseURL(endpoint string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("endpoint must be an http(s) URL, got %q", endpoint)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = defaultBasePath
	}
	return strings.TrimRight(u.String(), "/"), nil
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
}

func (c *Client) FindByKey(ctx context.Context, kind session.Kind, key session.Key) (session.Lookup, error) {
	q := url.Values{"name": {key.Name}}
	if key.Owner != "" {
		q.Set("owner", key.Owner)
	}
	var resp struct {
		Found  bool         `json:"found"`
		Object *session.Ref `json:"object"`
	}
	if err := c.do(ctx, http.MethodGet, objectsPath(kind, "lookup")+"?"+q.Encode(), nil, &resp); err != nil {
		return session.Lookup{}, c.mapError(err)
	}
	if !resp.Found || resp.Object == nil {
		return session.NotFound(), nil
	}
	return session.Found(*resp.Object), nil
}

func (c *Client) BeginCreate(ctx context.Context, kind session.Kind) (*session.Handle, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown object kind %q", domain.ErrInvalid, kind)
	}
	return session.NewCreateHandle(kind), nil
}

func (c *Client) BeginUpdate(ctx context.Context, ref session.Ref) (*session.Handle, error) {
	if _, err := c.Get(ctx, ref.Kind, ref.ID); err != nil {
		return nil, err
	}
	return session.NewUpdateHandle(ref), nil
}

// Commit sends every field and value of h in one request.
func (c *Client) Commit(ctx context.Context, h *session.Handle) (session.CommitResult, error) {
	if h == nil {
		return session.CommitResult{}, fmt.Errorf("%w: nil handle", domain.ErrInvalid)
	}
	if err := h.Release(); err != nil {
		return session.CommitResult{}, err
	}
	body := map[string]any{"fields": h.Fields(), "values": h.Values()}
	method, endpoint := http.MethodPost, objectsPath(h.Kind, "")
	if !h.IsNew() {
		method, endpoint = http.MethodPut, objectsPath(h.Kind, url.PathEscape(h.ID))
	}
	var res session.CommitResult
	if err := c.do(ctx, method, endpoint, body, &res); err != nil {
		return session.CommitResult{}, c.mapError(err)
	}
	return res, nil
}

func (c *Client) Discard(h *session.Handle) {
	if h != nil {
		_ = h.Release()
	}
}

func (c *Client) Query(ctx context.Context, kind session.Kind, pred session.Predicate) ([]session.Ref, error) {
	var resp struct {
		Items []session.Ref `json:"items"`
	}
	body := map[string]any{"where": map[string]any(pred)}
	if err := c.do(ctx, http.MethodPost, objectsPath(kind, "query"), body, &resp); err != nil {
		return nil, c.mapError(err)
	}
	return resp.Items, nil
}

func (c *Client) Get(ctx context.Context, kind session.Kind, id string) (session.Ref, error) {
	var ref session.Ref
	if err := c.do(ctx, http.MethodGet, objectsPath(kind, url.PathEscape(id)), nil, &ref); err != nil {
		return session.Ref{}, c.mapError(err)
	}
	return ref, nil
}

// Events returns the newest change events recorded by the server.
func (c *Client) Events(ctx context.Context, limit int, f events.Filter) ([]domain.Event, error) {
	var resp struct {
		Items []struct {
			ID         int64          `json:"id"`
			TS         string         `json:"ts"`
			Type       string         `json:"type"`
			EntityKind string         `json:"entity_kind"`
			EntityID   string         `json:"entity_id"`
			ActorID    string         `json:"actor_id"`
			Payload    map[string]any `json:"payload"`
		} `json:"items"`
	}
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if f.Type != "" {
		q.Set("type", f.Type)
	}
	if f.EntityKind != "" {
		q.Set("entity_kind", f.EntityKind)
	}
	if f.EntityID != "" {
		q.Set("entity_id", f.EntityID)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, c.mapError(err)
	}
	out := make([]domain.Event, 0, len(resp.Items))
	for _, it := range resp.Items {
		payload, _ := json.Marshal(it.Payload)
		out = append(out, domain.Event{
			ID: it.ID, TS: it.TS, Type: it.Type, EntityKind: it.EntityKind,
			EntityID: it.EntityID, ActorID: it.ActorID, Payload: string(payload),
		})
	}
	return out, nil
}

func (c *Client) Close() error {
	if c.HTTPClient != nil {
		c.HTTPClient.CloseIdleConnections()
	}
	return nil
}

// mapError translates API statuses into the errors the local store returns.
func (c *Client) mapError(err error) error {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return asConnection(c.BaseURL, err)
	}
	switch apiErr.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, apiErr.Message)
	case http.StatusUnprocessableEntity:
		return domain.Rejected("%s", strings.TrimPrefix(apiErr.Message, domain.ErrRejected.Error()+": "))
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", domain.ErrInvalid, apiErr.Message)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", session.ErrHandleReleased, apiErr.Message)
	case http.StatusUnauthorized, http.StatusForbidden:
		return &domain.ConnectionError{Endpoint: c.BaseURL, Err: apiErr}
	}
	return apiErr
}

func asConnection(endpoint string, err error) error {
	var ce *domain.ConnectionError
	if errors.As(err, &ce) {
		return err
	}
	return &domain.ConnectionError{Endpoint: endpoint, Err: err}
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.BaseURL + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return &domain.ConnectionError{Endpoint: c.BaseURL, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(b))}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil && envelope.Error.Code != "" {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func objectsPath(kind session.Kind, rest string) string {
	p := "objects/" + url.PathEscape(string(kind))
	if rest != "" {
		p += "/" + rest
	}
	return p
}
