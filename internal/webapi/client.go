// Package webapi is the HTTP client for the remote environment's data
// API. One client is bound to one connection; auth comes from the
// token provider on every request so a refresh mid-index is invisible
// here.
package webapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"github.com/tidwall/gjson"

	"github.com/ddk-dev/ddk/internal/dderr"
	"github.com/ddk-dev/ddk/internal/logging"
)

// TokenFunc supplies a bearer token for the client's connection.
type TokenFunc func(ctx context.Context) (string, error)

// retrySchedule is the fixed backoff ladder for retryable statuses.
var retrySchedule = []time.Duration{250 * time.Millisecond, 1 * time.Second, 4 * time.Second}

// Client talks to one environment's web API.
type Client struct {
	base  *url.URL
	http  *http.Client
	token TokenFunc
	cb    *gobreaker.CircuitBreaker
	log   zerolog.Logger
}

// New builds a client for the environment at baseURL.
func New(baseURL string, token TokenFunc) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse environment url: %w", err)
	}
	log := logging.Component("webapi")
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    u.Host,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("host", name).Str("from", from.String()).Str("to", to.String()).Msg("breaker state change")
		},
	})
	return &Client{
		base:  u,
		http:  &http.Client{Timeout: 60 * time.Second},
		token: token,
		cb:    cb,
		log:   log,
	}, nil
}

// Clone returns an independent handle on the same environment. The
// token source, breaker and transport are shared; only the handle is
// fresh.
func (c *Client) Clone() *Client {
	cp := *c
	return &cp
}

// getJSON issues one GET with auth, breaker and retries, returning the
// raw body.
func (c *Client) getJSON(ctx context.Context, path string, query url.Values) ([]byte, error) {
	u := *c.base
	u.Path, _ = url.JoinPath(u.Path, path)
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		body, retryable, err := c.once(ctx, u.String())
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retryable || attempt >= len(retrySchedule) {
			return nil, lastErr
		}
		select {
		case <-time.After(retrySchedule[attempt]):
		case <-ctx.Done():
			return nil, dderr.Wrap(dderr.KindCancelled, "request cancelled", ctx.Err())
		}
	}
}

func (c *Client) once(ctx context.Context, rawURL string) (body []byte, retryable bool, err error) {
	out, err := c.cb.Execute(func() (any, error) {
		tok, err := c.token(ctx)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+tok)
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusOK {
			return data, nil
		}
		return nil, &httpError{status: resp.StatusCode, body: string(data)}
	})
	if err != nil {
		var he *httpError
		switch {
		case dderr.HasKind(err, dderr.KindAuthRequired):
			return nil, false, err
		case asHTTPError(err, &he):
			return nil, he.retryable(), he
		case err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests:
			return nil, false, dderr.Wrap(dderr.KindTimeout, "environment unavailable", err)
		default:
			// Transport-level failures are worth a retry.
			return nil, true, err
		}
	}
	return out.([]byte), false, nil
}

type httpError struct {
	status int
	body   string
}

func (e *httpError) Error() string {
	msg := e.body
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return fmt.Sprintf("remote returned %d: %s", e.status, msg)
}

func (e *httpError) retryable() bool {
	return e.status == http.StatusTooManyRequests || e.status >= 500
}

func asHTTPError(err error, out **httpError) bool {
	he, ok := err.(*httpError)
	if ok {
		*out = he
	}
	return ok
}

// RemoteSolution is one solution row as the API reports it.
type RemoteSolution struct {
	ID           string `json:"solutionid"`
	UniqueName   string `json:"uniquename"`
	FriendlyName string `json:"friendlyname"`
	Publisher    string `json:"publisher"`
	IsManaged    bool   `json:"ismanaged"`
	Version      string `json:"version"`
}

// RemoteComponent is one solution-component row.
type RemoteComponent struct {
	ID            string `json:"solutioncomponentid"`
	ObjectID      string `json:"objectid"`
	TypeCode      int    `json:"componenttype"`
	ComponentType string `json:"componenttypename"`
}

// RemoteLayer is one layer of a component as the API reports it,
// ordered base first by the server.
type RemoteLayer struct {
	ID            string    `json:"layerid"`
	SolutionID    string    `json:"solutionid"`
	SolutionName  string    `json:"solutionname"`
	Publisher     string    `json:"publisher"`
	IsManaged     bool      `json:"ismanaged"`
	Version       string    `json:"version"`
	CreatedOn     time.Time `json:"createdon"`
	ComponentJSON string    `json:"componentjson"`
}

// ChangeRecord marks one attribute the layer changed relative to the
// layer below it.
type ChangeRecord struct {
	AttributeName string `json:"attributename"`
	IsChanged     bool   `json:"ischanged"`
}

// EntityInfo is the display metadata of a table-backed component.
type EntityInfo struct {
	LogicalName string `json:"logicalname"`
	DisplayName string `json:"displayname"`
}

// Solutions lists every solution in the environment.
func (c *Client) Solutions(ctx context.Context) ([]RemoteSolution, error) {
	body, err := c.getJSON(ctx, "api/data/solutions", nil)
	if err != nil {
		return nil, fmt.Errorf("fetch solutions: %w", err)
	}
	var out []RemoteSolution
	if err := decodeValueList(body, &out); err != nil {
		return nil, fmt.Errorf("decode solutions: %w", err)
	}
	return out, nil
}

// Components lists the components of one solution, optionally limited
// to a set of type codes.
func (c *Client) Components(ctx context.Context, solutionID string, typeCodes []int) ([]RemoteComponent, error) {
	q := url.Values{"solutionid": {solutionID}}
	for _, tc := range typeCodes {
		q.Add("componenttype", strconv.Itoa(tc))
	}
	body, err := c.getJSON(ctx, "api/data/solutioncomponents", q)
	if err != nil {
		return nil, fmt.Errorf("fetch components of %s: %w", solutionID, err)
	}
	var out []RemoteComponent
	if err := decodeValueList(body, &out); err != nil {
		return nil, fmt.Errorf("decode components: %w", err)
	}
	return out, nil
}

// LayerStack fetches the layers of one component, base first.
func (c *Client) LayerStack(ctx context.Context, componentType int, objectID string) ([]RemoteLayer, error) {
	q := url.Values{
		"componenttype": {strconv.Itoa(componentType)},
		"objectid":      {objectID},
	}
	body, err := c.getJSON(ctx, "api/data/componentlayers", q)
	if err != nil {
		return nil, fmt.Errorf("fetch layers of %s: %w", objectID, err)
	}
	var out []RemoteLayer
	if err := decodeValueList(body, &out); err != nil {
		return nil, fmt.Errorf("decode layers: %w", err)
	}
	return out, nil
}

// ChangeRecords fetches the per-attribute change flags of one layer.
func (c *Client) ChangeRecords(ctx context.Context, layerID string) (map[string]bool, error) {
	body, err := c.getJSON(ctx, "api/data/componentlayerchanges", url.Values{"layerid": {layerID}})
	if err != nil {
		return nil, fmt.Errorf("fetch change records of %s: %w", layerID, err)
	}
	var records []ChangeRecord
	if err := decodeValueList(body, &records); err != nil {
		return nil, fmt.Errorf("decode change records: %w", err)
	}
	out := make(map[string]bool, len(records))
	for _, r := range records {
		out[r.AttributeName] = r.IsChanged
	}
	return out, nil
}

// ComponentPayload fetches the full serialized payload of one
// component within one solution.
func (c *Client) ComponentPayload(ctx context.Context, componentType int, objectID, solutionID string) (string, error) {
	q := url.Values{
		"componenttype": {strconv.Itoa(componentType)},
		"objectid":      {objectID},
		"solutionid":    {solutionID},
	}
	body, err := c.getJSON(ctx, "api/data/componentpayload", q)
	if err != nil {
		return "", fmt.Errorf("fetch payload of %s: %w", objectID, err)
	}
	if payload := gjson.GetBytes(body, "payload"); payload.Exists() {
		return payload.String(), nil
	}
	return string(body), nil
}

// EntityInfo resolves display metadata for a table-backed component.
func (c *Client) EntityInfo(ctx context.Context, logicalName string) (EntityInfo, error) {
	body, err := c.getJSON(ctx, "api/data/entities/"+url.PathEscape(logicalName), nil)
	if err != nil {
		return EntityInfo{}, fmt.Errorf("fetch entity %s: %w", logicalName, err)
	}
	var info EntityInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return EntityInfo{}, fmt.Errorf("decode entity: %w", err)
	}
	return info, nil
}

// decodeValueList accepts either a bare JSON array or the enveloped
// {"value": [...]} shape.
func decodeValueList(body []byte, out any) error {
	if v := gjson.GetBytes(body, "value"); v.Exists() {
		return json.Unmarshal([]byte(v.Raw), out)
	}
	return json.Unmarshal(body, out)
}
