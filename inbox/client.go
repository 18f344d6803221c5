// Package inbox vends the consumer side of the snap service: an HTTP client of the reader API, a listener
// of delivery notifications and the single-slot viewing loop built on both.
package inbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"wuyrush.io/snap/common/middleware"
	se "wuyrush.io/snap/errors"
	md "wuyrush.io/snap/models"
)

// Inbox is what the viewing loop needs from the service
type Inbox interface {
	ListPending(ctx context.Context) ([]*md.SnapSummary, *se.Err)
	View(ctx context.Context, snapID string) (*md.ViewResult, *se.Err)
}

// Client talks to the reader API on behalf of one signed-in user
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *Client) ListPending(ctx context.Context) ([]*md.SnapSummary, *se.Err) {
	var data struct {
		Snaps []*md.SnapSummary `json:"snaps"`
	}
	if err := c.do(ctx, http.MethodGet, "/snaps/inbox", &data); err != nil {
		return nil, err
	}
	return data.Snaps, nil
}

// View consumes the snap. ErrCodeNotFound means the snap is gone for good: viewed, expired or never
// addressed to the caller
func (c *Client) View(ctx context.Context, snapID string) (*md.ViewResult, *se.Err) {
	res := &md.ViewResult{}
	if err := c.do(ctx, http.MethodPost, "/snaps/"+url.PathEscape(snapID)+"/view", res); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Client) do(ctx context.Context, method, path string, data interface{}) *se.Err {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, nil)
	if err != nil {
		return se.NewBadInput("error building request").WithCause(err)
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	req.Header.Set("Accept", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return se.NewDependencyFailure("error reaching snap service").WithCause(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return se.NewDependencyFailure("error reading response").WithCause(err)
	}
	env := &envelope{}
	if err := json.Unmarshal(body, env); err != nil {
		return statusErr(resp.StatusCode, fmt.Sprintf("unexpected response %q", resp.Status)).WithCause(err)
	}
	if resp.StatusCode >= http.StatusBadRequest || env.Status == middleware.StatusFail {
		return statusErr(resp.StatusCode, env.Message)
	}
	if data != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, data); err != nil {
			return se.NewServiceFailure("error decoding response").WithCause(err)
		}
	}
	return nil
}

// statusErr maps an HTTP status back onto the error codes the service rendered it from
func statusErr(code int, msg string) *se.Err {
	switch code {
	case http.StatusNotFound:
		return se.NewNotFound(msg)
	case http.StatusUnauthorized:
		return se.NewUnauthenticated(msg)
	case http.StatusForbidden:
		return se.NewForbidden(msg)
	case http.StatusBadRequest:
		return se.NewBadInput(msg)
	case http.StatusServiceUnavailable, http.StatusTooManyRequests:
		return se.NewBusy(msg)
	}
	if code >= http.StatusInternalServerError {
		return se.NewDependencyFailure(msg)
	}
	return se.NewServiceFailure(msg)
}
