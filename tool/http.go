package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hupe1980/taskmesh/core"
)

// HTTPOptions configure an HTTPProvider.
type HTTPOptions struct {
	Client  *http.Client
	Headers map[string]string
}

// HTTPProvider is a client of the HTTP tool discovery protocol:
//
//	GET  {base}/tools               -> [ToolDescriptor]
//	POST {base}/tools/{name}/invoke -> {output} | {error, code, transient}
type HTTPProvider struct {
	name    string
	baseURL string
	inv     *httpInvoker
}

// NewHTTPProvider creates a provider for the service at baseURL.
func NewHTTPProvider(name, baseURL string, optFns ...func(o *HTTPOptions)) *HTTPProvider {
	opts := HTTPOptions{Client: &http.Client{Timeout: 60 * time.Second}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &HTTPProvider{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		inv:     &httpInvoker{client: opts.Client, headers: opts.Headers},
	}
}

// Name implements Provider.
func (p *HTTPProvider) Name() string { return p.name }

// List implements Provider.
func (p *HTTPProvider) List(ctx context.Context) ([]core.ToolDescriptor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/tools", nil)
	if err != nil {
		return nil, err
	}
	p.inv.decorate(req)

	resp, err := p.inv.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list tools from %s: %w", p.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<10))
		return nil, fmt.Errorf("list tools from %s: status %d: %s", p.name, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var descs []core.ToolDescriptor
	if err := json.NewDecoder(resp.Body).Decode(&descs); err != nil {
		return nil, fmt.Errorf("decode tools from %s: %w", p.name, err)
	}
	for i := range descs {
		descs[i].Provider = p.name
		if descs[i].Endpoint == "" {
			descs[i].Endpoint = p.baseURL
		}
	}

	return descs, nil
}

// Invoke implements Provider.
func (p *HTTPProvider) Invoke(ctx context.Context, name, version string, input json.RawMessage) (json.RawMessage, error) {
	return p.inv.invoke(ctx, p.baseURL, name, version, input)
}

type httpInvoker struct {
	client  *http.Client
	headers map[string]string
}

func (h *httpInvoker) decorate(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	for k, v := range h.headers {
		req.Header.Set(k, v)
	}
}

// invoke posts to {base}/tools/{name}/invoke and classifies failures:
// transport errors, 5xx, 408 and 429 are transient; other 4xx are permanent.
func (h *httpInvoker) invoke(ctx context.Context, base, name, version string, input json.RawMessage) (json.RawMessage, error) {
	body, err := json.Marshal(invokeRequest{Version: version, Input: input})
	if err != nil {
		return nil, core.NewPermanentToolError(name, CodeValidation, err)
	}

	endpoint := strings.TrimRight(base, "/") + "/tools/" + url.PathEscape(name) + "/invoke"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, core.NewPermanentToolError(name, CodeExecution, err)
	}
	req.Header.Set("Content-Type", "application/json")
	h.decorate(req)

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, core.NewTransientToolError(name, CodeUnavailable, err)
	}
	defer resp.Body.Close()

	var out invokeResponse
	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if readErr != nil {
		return nil, core.NewTransientToolError(name, CodeUnavailable, readErr)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil && resp.StatusCode < 300 {
			return nil, core.NewPermanentToolError(name, CodeInvalidOutput, fmt.Errorf("decode response: %w", err))
		}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out.Output == nil {
			return json.RawMessage(`null`), nil
		}
		return out.Output, nil
	}

	msg := out.Error
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	code := out.Code
	if code == "" {
		code = fmt.Sprintf("http_%d", resp.StatusCode)
	}
	cause := fmt.Errorf("status %d: %s", resp.StatusCode, msg)

	switch {
	case resp.StatusCode == http.StatusNotFound && out.Code == CodeNotFound:
		return nil, core.NewPermanentToolError(name, code, fmt.Errorf("%w: %v", core.ErrToolNotFound, cause))
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusRequestTimeout:
		return nil, core.NewTransientToolError(name, code, cause)
	case out.Transient:
		return nil, core.NewTransientToolError(name, code, cause)
	default:
		return nil, core.NewPermanentToolError(name, code, cause)
	}
}
