package taskflow

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
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// Gateway is the request/response interface to the backend. Every method
// fails with either a transport error (wrapping ErrUnreachable) or an
// *APIError carrying the server's message.
type Gateway interface {
	List(ctx context.Context, filter ListFilter) (*ListResult, error)
	Get(ctx context.Context, id string) (*Task, error)
	Create(ctx context.Context, in CreateTaskInput) (*Task, error)
	Update(ctx context.Context, id string, in UpdateTaskInput) (*Task, error)
	Delete(ctx context.Context, id string) error
	ChangeStatus(ctx context.Context, id string, status Status) (*Task, error)
	Assign(ctx context.Context, id string, userID string) (*Task, error)
}

const DefaultRequestTimeout = 10 * time.Second

type HTTPGatewayOptions struct {
	BaseURL      string // scheme://host[:port]; the API lives under /api/v1
	Token        string
	RefreshToken string
	Timeout      time.Duration
	HTTPClient   *http.Client // its Transport is reused under the auth layer
	// OnTokenRefresh is called with every access token obtained through the
	// refresh endpoint, so callers can persist it.
	OnTokenRefresh func(*oauth2.Token)
}

// HTTPGateway talks to the REST backend.
type HTTPGateway struct {
	apiURL string
	client *http.Client
	tokens *tokenStore
}

func NewHTTPGateway(opts HTTPGatewayOptions) *HTTPGateway {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	base := http.DefaultTransport
	if opts.HTTPClient != nil && opts.HTTPClient.Transport != nil {
		base = opts.HTTPClient.Transport
	}
	apiURL := strings.TrimRight(opts.BaseURL, "/") + "/api/v1"

	tokens := &tokenStore{
		current: &oauth2.Token{AccessToken: opts.Token, TokenType: "Bearer"},
		refresh: &refreshSource{
			url:          apiURL + "/auth/refresh",
			refreshToken: opts.RefreshToken,
			client:       &http.Client{Transport: base, Timeout: timeout},
		},
		onRefresh: opts.OnTokenRefresh,
	}
	return &HTTPGateway{
		apiURL: apiURL,
		client: &http.Client{
			Transport: &oauth2.Transport{Source: tokens, Base: base},
			Timeout:   timeout,
		},
		tokens: tokens,
	}
}

func (g *HTTPGateway) List(ctx context.Context, filter ListFilter) (*ListResult, error) {
	q := url.Values{}
	if filter.Status != nil {
		q.Set("status", string(*filter.Status))
	}
	if filter.Priority != nil {
		q.Set("priority", string(*filter.Priority))
	}
	if filter.Page > 0 {
		q.Set("page", strconv.Itoa(filter.Page))
	}
	if filter.PageSize > 0 {
		q.Set("page_size", strconv.Itoa(filter.PageSize))
	}
	if len(filter.Sort) > 0 {
		sortBy, sortOrder := FormatSort(filter.Sort)
		q.Set("sort_by", sortBy)
		q.Set("sort_order", sortOrder)
	}
	path := "/tasks"
	if enc := q.Encode(); enc != "" {
		path += "?" + enc
	}

	var res ListResult
	if err := g.do(ctx, http.MethodGet, path, nil, &res); err != nil {
		return nil, err
	}
	for i := range res.Tasks {
		res.Tasks[i].State = StateConfirmed
	}
	return &res, nil
}

func (g *HTTPGateway) Get(ctx context.Context, id string) (*Task, error) {
	return g.task(ctx, http.MethodGet, "/tasks/"+url.PathEscape(id), nil)
}

func (g *HTTPGateway) Create(ctx context.Context, in CreateTaskInput) (*Task, error) {
	return g.task(ctx, http.MethodPost, "/tasks", in)
}

func (g *HTTPGateway) Update(ctx context.Context, id string, in UpdateTaskInput) (*Task, error) {
	return g.task(ctx, http.MethodPut, "/tasks/"+url.PathEscape(id), in)
}

func (g *HTTPGateway) Delete(ctx context.Context, id string) error {
	return g.do(ctx, http.MethodDelete, "/tasks/"+url.PathEscape(id), nil, nil)
}

func (g *HTTPGateway) ChangeStatus(ctx context.Context, id string, status Status) (*Task, error) {
	return g.task(ctx, http.MethodPatch, "/tasks/"+url.PathEscape(id)+"/status", statusPayload{Status: status})
}

func (g *HTTPGateway) Assign(ctx context.Context, id string, userID string) (*Task, error) {
	body := struct {
		AssignTo string `json:"assign_to"`
	}{AssignTo: userID}
	return g.task(ctx, http.MethodPost, "/tasks/"+url.PathEscape(id)+"/assign", body)
}

func (g *HTTPGateway) task(ctx context.Context, method, path string, body any) (*Task, error) {
	var t Task
	if err := g.do(ctx, method, path, body, &t); err != nil {
		return nil, err
	}
	t.State = StateConfirmed
	return &t, nil
}

func (g *HTTPGateway) do(ctx context.Context, method, path string, body any, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		payload = b
	}

	resp, err := g.send(ctx, method, path, payload)
	if err == nil && resp.StatusCode == http.StatusUnauthorized && g.tokens.canRefresh() {
		resp.Body.Close()
		if rerr := g.tokens.invalidate(ctx); rerr != nil {
			return rerr
		}
		resp, err = g.send(ctx, method, path, payload)
	}
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return apiErr
		}
		if errors.Is(err, ErrUnauthenticated) {
			return ErrUnauthenticated
		}
		return fmt.Errorf("%w: %s %s: %v", ErrUnreachable, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

func (g *HTTPGateway) send(ctx context.Context, method, path string, payload []byte) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.apiURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return g.client.Do(req)
}

func decodeAPIError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(b, &body); err != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(b))
	}
	return &APIError{StatusCode: resp.StatusCode, Message: body.Error}
}

// tokenStore is the oauth2.TokenSource behind the gateway's transport. The
// backend issues opaque tokens without expiry, so a refresh only happens
// after the server answers 401.
type tokenStore struct {
	mu        sync.Mutex
	current   *oauth2.Token
	refresh   *refreshSource
	onRefresh func(*oauth2.Token)
}

func (s *tokenStore) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || s.current.AccessToken == "" {
		return nil, ErrUnauthenticated
	}
	return s.current, nil
}

func (s *tokenStore) canRefresh() bool {
	return s.refresh != nil && s.refresh.refreshToken != ""
}

func (s *tokenStore) invalidate(ctx context.Context) error {
	tok, err := s.refresh.fetch(ctx)
	if IsUnreachable(err) {
		return err
	}
	if err != nil {
		s.mu.Lock()
		s.current = nil
		s.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	s.mu.Lock()
	s.current = tok
	s.mu.Unlock()
	if s.onRefresh != nil {
		s.onRefresh(tok)
	}
	return nil
}

type refreshSource struct {
	url          string
	refreshToken string
	client       *http.Client
}

func (r *refreshSource) fetch(ctx context.Context) (*oauth2.Token, error) {
	b, err := json.Marshal(map[string]string{"refresh_token": r.refreshToken})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: refresh token: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, decodeAPIError(resp)
	}
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode refresh response: %w", err)
	}
	return &oauth2.Token{AccessToken: body.Token, TokenType: "Bearer"}, nil
}
