package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/vgold/heatwatch/services/console/internal/apierr"
)

const loginPath = "/auth/login"

// ErrLiveTimeout is returned by SensorLive when the remote API gave up
// waiting for the physical unit (HTTP 504). It is an expected outcome.
var ErrLiveTimeout = errors.New("sensor live reading timed out")

// TokenSource supplies the bearer token for authenticated calls.
type TokenSource interface {
	Token() string
}

// Client talks to the remote monitoring REST API.
type Client struct {
	http   *resty.Client
	logger *zap.Logger

	mu             sync.RWMutex
	tokens         TokenSource
	onUnauthorized func()
}

// New creates a client for baseURL (e.g. https://host/api/v1).
func New(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	c := &Client{logger: logger}
	c.http = resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	c.http.OnBeforeRequest(func(_ *resty.Client, r *resty.Request) error {
		if tok := c.token(); tok != "" {
			r.SetAuthToken(tok)
		}
		return nil
	})
	return c
}

// SetTokenSource installs the provider of the bearer token.
func (c *Client) SetTokenSource(ts TokenSource) {
	c.mu.Lock()
	c.tokens = ts
	c.mu.Unlock()
}

// OnUnauthorized registers fn to run whenever a call other than login is
// rejected with 401.
func (c *Client) OnUnauthorized(fn func()) {
	c.mu.Lock()
	c.onUnauthorized = fn
	c.mu.Unlock()
}

func (c *Client) token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.tokens == nil {
		return ""
	}
	return c.tokens.Token()
}

// ListSensors returns one page of raw sensor records.
func (c *Client) ListSensors(ctx context.Context, page, limit int) ([]Record, error) {
	env, err := c.do(ctx, http.MethodGet, "/sensors", nil, pageQuery(page, limit))
	if err != nil {
		return nil, err
	}
	var out []Record
	if err := env.decodeData(&out); err != nil {
		return nil, fmt.Errorf("decode sensors: %w", err)
	}
	return out, nil
}

// SensorLive returns the current reading of one sensor.
func (c *Client) SensorLive(ctx context.Context, id string) (Record, error) {
	env, err := c.do(ctx, http.MethodGet, "/sensors/"+url.PathEscape(id)+"/live", nil, nil)
	if err != nil {
		if apierr.Status(err) == http.StatusGatewayTimeout {
			return nil, fmt.Errorf("%w: %v", ErrLiveTimeout, err)
		}
		return nil, err
	}
	var out Record
	if err := env.decodeData(&out); err != nil {
		return nil, fmt.Errorf("decode live reading: %w", err)
	}
	return out, nil
}

// SensorHistory returns one page of historical samples for a sensor.
func (c *Client) SensorHistory(ctx context.Context, id string, page, limit int) (HistoryPage, error) {
	env, err := c.do(ctx, http.MethodGet, "/sensors/"+url.PathEscape(id)+"/history", nil, pageQuery(page, limit))
	if err != nil {
		return HistoryPage{}, err
	}

	var hp HistoryPage
	if err := env.decodeData(&hp.Samples); err != nil {
		return HistoryPage{}, fmt.Errorf("decode history: %w", err)
	}
	hp.Meta = env.pageMeta()
	if hp.Meta.Page == 0 {
		hp.Meta.Page = page
	}
	if hp.Meta.Limit == 0 {
		hp.Meta.Limit = limit
	}
	if hp.Meta.Pages == 0 {
		hp.Meta.Pages = 1
	}
	return hp, nil
}

// SyncAll asks the remote side to refresh every sensor from its device.
func (c *Client) SyncAll(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, "/sensors/sync", nil, nil)
	return err
}

// SyncSensor asks the remote side to refresh one sensor from its device.
func (c *Client) SyncSensor(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodPost, "/sensors/"+url.PathEscape(id)+"/sync", nil, nil)
	return err
}

// UpdateSensor replaces the descriptive fields of a sensor.
func (c *Client) UpdateSensor(ctx context.Context, id string, upd SensorUpdate) error {
	_, err := c.do(ctx, http.MethodPut, "/sensors/"+url.PathEscape(id), upd, nil)
	return err
}

// Regions lists regions.
func (c *Client) Regions(ctx context.Context) ([]Region, error) {
	env, err := c.do(ctx, http.MethodGet, "/regions", nil, nil)
	if err != nil {
		return nil, err
	}
	var out []Region
	if err := env.decodeData(&out); err != nil {
		return nil, fmt.Errorf("decode regions: %w", err)
	}
	return out, nil
}

// Districts lists every district.
func (c *Client) Districts(ctx context.Context) ([]District, error) {
	env, err := c.do(ctx, http.MethodGet, "/districts", nil, nil)
	if err != nil {
		return nil, err
	}
	var out []District
	if err := env.decodeData(&out); err != nil {
		return nil, fmt.Errorf("decode districts: %w", err)
	}
	return out, nil
}

// CreateRegion creates a region and returns the server's message, if any.
func (c *Client) CreateRegion(ctx context.Context, name string) (Region, string, error) {
	env, err := c.do(ctx, http.MethodPost, "/regions", map[string]any{"name": name}, nil)
	if err != nil {
		return Region{}, "", err
	}
	var out Region
	if err := env.decodeData(&out); err != nil {
		return Region{}, "", fmt.Errorf("decode region: %w", err)
	}
	return out, env.Message, nil
}

// CreateDistrict creates a district under regionID.
func (c *Client) CreateDistrict(ctx context.Context, name string, regionID int64) (District, string, error) {
	env, err := c.do(ctx, http.MethodPost, "/districts", map[string]any{"name": name, "region_id": regionID}, nil)
	if err != nil {
		return District{}, "", err
	}
	var out District
	if err := env.decodeData(&out); err != nil {
		return District{}, "", fmt.Errorf("decode district: %w", err)
	}
	return out, env.Message, nil
}

// Login exchanges credentials for a bearer token.
func (c *Client) Login(ctx context.Context, username, password string) (LoginResult, error) {
	env, err := c.do(ctx, http.MethodPost, loginPath, map[string]string{"username": username, "password": password}, nil)
	if err != nil {
		return LoginResult{}, err
	}
	var out LoginResult
	if err := env.decodeData(&out); err != nil {
		return LoginResult{}, fmt.Errorf("decode login: %w", err)
	}
	if out.BearerToken() == "" {
		return LoginResult{}, errors.New("login response carried no token")
	}
	return out, nil
}

// Me returns the user the current token belongs to.
func (c *Client) Me(ctx context.Context) (User, error) {
	env, err := c.do(ctx, http.MethodGet, "/auth/me", nil, nil)
	if err != nil {
		return User{}, err
	}
	var out User
	if err := env.decodeData(&out); err != nil {
		return User{}, fmt.Errorf("decode user: %w", err)
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, query map[string]string) (*envelope, error) {
	req := c.http.R().SetContext(ctx)
	if body != nil {
		req.SetBody(body)
	}
	if len(query) > 0 {
		req.SetQueryParams(query)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}

	if resp.IsError() {
		apiErr := &apierr.Error{
			Status:  resp.StatusCode(),
			Message: errorMessage(resp.Body()),
			Path:    path,
		}
		if apiErr.Status == http.StatusUnauthorized && path != loginPath {
			c.logger.Warn("upstream rejected token", zap.String("path", path))
			c.mu.RLock()
			fn := c.onUnauthorized
			c.mu.RUnlock()
			if fn != nil {
				fn()
			}
		}
		return nil, apiErr
	}

	env, err := decodeEnvelope(resp.Body())
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return env, nil
}

func pageQuery(page, limit int) map[string]string {
	q := map[string]string{}
	if page > 0 {
		q["page"] = strconv.Itoa(page)
	}
	if limit > 0 {
		q["limit"] = strconv.Itoa(limit)
	}
	return q
}

// envelope is either {"data": ..., "meta": ..., "message": ...} or a bare payload.
type envelope struct {
	Data    json.RawMessage
	Meta    Record
	Message string
	top     Record
}

func decodeEnvelope(body []byte) (*envelope, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return &envelope{}, nil
	}
	if body[0] != '{' {
		return &envelope{Data: body}, nil
	}

	var top Record
	if err := json.Unmarshal(body, &top); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	env := &envelope{top: top, Message: top.String("message")}
	if data, ok := top.raw("data"); ok {
		env.Data = data
	} else {
		env.Data = body
	}
	env.Meta = top.Object("meta")
	return env, nil
}

func (e *envelope) decodeData(dst any) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, dst)
}

// pageMeta reads pagination from "meta" or, failing that, the top level.
func (e *envelope) pageMeta() PageMeta {
	src := e.Meta
	if src == nil {
		src = e.top
	}
	if src == nil {
		return PageMeta{}
	}
	var m PageMeta
	if v, ok := src.Int("page", "current_page"); ok {
		m.Page = int(v)
	}
	if v, ok := src.Int("pages", "last_page", "total_pages"); ok {
		m.Pages = int(v)
	}
	if v, ok := src.Int("total"); ok {
		m.Total = int(v)
	}
	if v, ok := src.Int("limit", "per_page"); ok {
		m.Limit = int(v)
	}
	return m
}

func errorMessage(body []byte) string {
	var top Record
	if err := json.Unmarshal(body, &top); err != nil {
		return ""
	}
	return top.String("message", "error")
}
