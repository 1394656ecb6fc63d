package logs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// ErrAPIUnavailable reports that no API server address was configured.
var ErrAPIUnavailable = errors.New("log API unavailable")

// Client fetches run events from a vidax API server.
type Client struct {
	base *url.URL
	http *http.Client
}

// NewClient builds a client for bind ("host:port" or a URL). An empty bind
// yields a nil client.
func NewClient(bind string) (*Client, error) {
	bind = strings.TrimSpace(bind)
	if bind == "" {
		return nil, nil
	}
	if !strings.Contains(bind, "://") {
		bind = "http://" + bind
	}
	base, err := url.Parse(bind)
	if err != nil {
		return nil, fmt.Errorf("parse api address: %w", err)
	}
	base.Path, base.RawQuery, base.Fragment = "", "", ""
	// Follow requests block server-side up to opts.Wait; no client timeout.
	return &Client{base: base, http: &http.Client{}}, nil
}

// Fetch requests one window of events for runID.
func (c *Client) Fetch(ctx context.Context, runID string, opts TailOptions) (TailResult, error) {
	if c == nil {
		return TailResult{}, ErrAPIUnavailable
	}
	values := url.Values{}
	values.Set("format", "json")
	values.Set("offset", strconv.FormatInt(opts.Offset, 10))
	if opts.Limit > 0 {
		values.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Follow {
		values.Set("follow", "1")
		if opts.Wait > 0 {
			values.Set("wait", opts.Wait.String())
		}
	}
	if s := strings.TrimSpace(opts.Stage); s != "" {
		values.Set("stage", s)
	}
	if s := strings.TrimSpace(opts.Level); s != "" {
		values.Set("level", s)
	}

	endpoint := c.base.ResolveReference(&url.URL{
		Path:     "/jobs/" + url.PathEscape(runID) + "/logs",
		RawQuery: values.Encode(),
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return TailResult{}, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return TailResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var body struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		if body.Message != "" {
			return TailResult{}, fmt.Errorf("api logs returned status %d: %s: %s", resp.StatusCode, body.Code, body.Message)
		}
		return TailResult{}, fmt.Errorf("api logs returned status %d", resp.StatusCode)
	}
	var payload TailResult
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return TailResult{}, fmt.Errorf("decode api logs: %w", err)
	}
	return payload, nil
}

// IsAPIUnavailable reports whether err means the server could not be reached.
func IsAPIUnavailable(err error) bool {
	if err == nil {
		return false
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Err != nil {
		err = urlErr.Err
	}
	var opErr *net.OpError
	return errors.Is(err, ErrAPIUnavailable) || errors.As(err, &opErr)
}
