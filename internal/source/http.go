package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/samber/oops"
)

// HTTPClient talks to a message-source gateway over a small JSON API.
// The gateway owns the upstream session; this client only maps its
// responses onto the Source error taxonomy.
type HTTPClient struct {
	baseURL    string
	token      string
	userAgent  string
	httpClient *http.Client
}

// NewHTTPClient creates a gateway client. timeout bounds each request.
func NewHTTPClient(baseURL, token, userAgent string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		userAgent:  userAgent,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Resolve(ctx context.Context, ref string) (Handle, error) {
	var h Handle
	q := url.Values{"ref": {ref}}
	if err := c.getJSON(ctx, "/v1/channels/resolve?"+q.Encode(), &h); err != nil {
		return Handle{}, oops.With("ref", ref).Wrap(err)
	}
	return h, nil
}

func (c *HTTPClient) ListMessages(ctx context.Context, h Handle, limit int, beforeID int64) ([]Message, error) {
	q := url.Values{"limit": {strconv.Itoa(limit)}}
	if beforeID > 0 {
		q.Set("before_id", strconv.FormatInt(beforeID, 10))
	}
	if h.AccessHash != 0 {
		q.Set("access_hash", strconv.FormatInt(h.AccessHash, 10))
	}
	var out struct {
		Messages []Message `json:"messages"`
	}
	path := fmt.Sprintf("/v1/channels/%d/messages?%s", h.ChannelID, q.Encode())
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, oops.With("channel_id", h.ChannelID, "before_id", beforeID).Wrap(err)
	}
	return out.Messages, nil
}

// Download reads at most maxBytes of the media body; a larger object is
// abandoned with ErrTooLarge. maxBytes <= 0 disables the ceiling.
func (c *HTTPClient) Download(ctx context.Context, ref MediaRef, maxBytes int64) ([]byte, error) {
	resp, err := c.do(ctx, "/v1/media/"+url.PathEscape(ref.ID))
	if err != nil {
		return nil, oops.With("media_id", ref.ID).Wrap(err)
	}
	defer resp.Body.Close()
	if maxBytes > 0 && resp.ContentLength > maxBytes {
		return nil, oops.With("media_id", ref.ID, "content_length", resp.ContentLength).Wrap(ErrTooLarge)
	}
	var body io.Reader = resp.Body
	if maxBytes > 0 {
		body = io.LimitReader(resp.Body, maxBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, oops.With("media_id", ref.ID).Wrapf(err, "read media body")
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return nil, oops.With("media_id", ref.ID, "max_bytes", maxBytes).Wrap(ErrTooLarge)
	}
	return data, nil
}

// Reconnect asks the gateway whether its upstream session is healthy again.
func (c *HTTPClient) Reconnect(ctx context.Context) error {
	resp, err := c.do(ctx, "/v1/health")
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *HTTPClient) getJSON(ctx context.Context, path string, dst any) error {
	resp, err := c.do(ctx, path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// do issues a GET and converts non-200 responses into Source errors.
// The caller owns the body on success.
func (c *HTTPClient) do(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("NewRequest: %w", err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	if resp.StatusCode == http.StatusOK {
		return resp, nil
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch resp.StatusCode {
	case http.StatusNotFound:
		return nil, ErrNotFound
	case http.StatusForbidden, http.StatusUnauthorized:
		return nil, ErrPrivate
	case http.StatusTooManyRequests:
		return nil, &RateLimitError{Wait: retryAfter(resp.Header.Get("Retry-After"))}
	case http.StatusServiceUnavailable, http.StatusBadGateway:
		return nil, fmt.Errorf("%w: HTTP %d", ErrDisconnected, resp.StatusCode)
	default:
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
}

// retryAfter parses a Retry-After header given in seconds. Missing or
// malformed values fall back to one second so callers still pause.
func retryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return time.Second
	}
	return time.Duration(secs) * time.Second
}
