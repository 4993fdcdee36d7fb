package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/mcp-gateway-go/mcp"
)

var (
	jsonMediaType = contenttype.NewMediaType("application/json")
	// Backends that never set a Content-Type get text/plain from net/http's
	// sniffing, so it is accepted alongside JSON.
	backendMediaTypes = []contenttype.MediaType{jsonMediaType, contenttype.NewMediaType("text/plain")}
)

const maxBackendBody = 16 << 20

var (
	// ErrBackendUnavailable wraps transport failures talking to a backend.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrInvalidBackendResponse marks a backend answer that cannot be decoded.
	ErrInvalidBackendResponse = errors.New("invalid backend response")
)

// StatusError is a non-2xx backend answer.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend returned status %d", e.Status)
}

// backendClient speaks the backend contract: GET / lists tools, POST /{tool}
// invokes one.
type backendClient struct {
	http    *http.Client
	timeout time.Duration
	log     *slog.Logger
}

// detach keeps backend calls alive when the inbound client goes away.
func (c *backendClient) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithoutCancel(ctx)
	if c.timeout > 0 {
		return context.WithTimeout(ctx, c.timeout)
	}
	return context.WithCancel(ctx)
}

func (c *backendClient) listTools(ctx context.Context, b Backend) ([]mcp.Tool, error) {
	ctx, cancel := c.detach(ctx)
	defer cancel()

	u := b.URL.JoinPath("/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", jsonMediaType.String())

	body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: tool list: %v", ErrInvalidBackendResponse, err)
	}
	tools := make([]mcp.Tool, 0, len(raw))
	for i, r := range raw {
		var t mcp.Tool
		if err := json.Unmarshal(r, &t); err != nil {
			c.log.WarnContext(ctx, "tools.list.entry.skip", slog.String("backend", b.Name), slog.Int("index", i), slog.String("err", err.Error()))
			continue
		}
		if err := t.Validate(); err != nil {
			c.log.WarnContext(ctx, "tools.list.entry.skip", slog.String("backend", b.Name), slog.Int("index", i), slog.String("err", err.Error()))
			continue
		}
		tools = append(tools, t)
	}
	return tools, nil
}

// callTool returns the backend's JSON result verbatim. Non-2xx answers come
// back as *StatusError.
func (c *backendClient) callTool(ctx context.Context, b Backend, tool string, args json.RawMessage) (json.RawMessage, error) {
	ctx, cancel := c.detach(ctx)
	defer cancel()

	u := *b.URL
	u.Path = strings.TrimSuffix(b.URL.Path, "/") + "/" + tool
	u.RawPath = strings.TrimSuffix(b.URL.EscapedPath(), "/") + "/" + url.PathEscape(tool)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(args))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", jsonMediaType.String())
	req.Header.Set("Accept", jsonMediaType.String())

	body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var probe struct {
		Content []json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBackendResponse, err)
	}
	if probe.Content == nil {
		return nil, fmt.Errorf("%w: result has no content", ErrInvalidBackendResponse)
	}
	return json.RawMessage(body), nil
}

func (c *backendClient) do(req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBackendBody))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", ErrBackendUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Status: resp.StatusCode, Body: string(body)}
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !acceptableMediaType(contenttype.NewMediaType(ct)) {
		return nil, fmt.Errorf("%w: unexpected content type %q", ErrInvalidBackendResponse, ct)
	}
	return body, nil
}

func acceptableMediaType(mt contenttype.MediaType) bool {
	for _, want := range backendMediaTypes {
		if mt.Matches(want) {
			return true
		}
	}
	return false
}
