package compute // import "github.com/whisthq/whist/backend/workspaces/compute"

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/whisthq/whist/backend/workspaces/utils"
)

// DefaultProxyTimeout bounds a proxied request when the caller's context has
// no deadline.
const DefaultProxyTimeout = 30 * time.Second

// maxProxyBody caps how much of a response body we buffer.
const maxProxyBody = 32 << 20

// hopByHopHeaders are never forwarded in either direction. Content-Encoding
// is dropped too, because the body we relay has already been decoded.
var hopByHopHeaders = []string{
	"Host",
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Content-Encoding",
	"Upgrade",
}

// StripHopByHop returns a copy of h without hop-by-hop headers, including any
// header named in a Connection header.
func StripHopByHop(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, v := range h {
		out[http.CanonicalHeaderKey(k)] = append([]string(nil), v...)
	}

	for _, v := range out.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				out.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		out.Del(name)
	}
	return out
}

// Proxy forwards req to baseURL (e.g. "http://10.0.3.7:3000") and returns
// the response with hop-by-hop headers stripped. Dial failures and timeouts
// are returned as connectivity errors, never as raw transport errors.
func Proxy(ctx context.Context, client *http.Client, baseURL string, req ProxyRequest) (*ProxyResponse, error) {
	const op = "proxy_request"

	target, err := url.Parse(baseURL)
	if err != nil {
		return nil, ConfigError(op, req.WorkspaceID, "invalid proxy target %s: %s", baseURL, err)
	}
	target.Path = "/" + strings.TrimPrefix(req.Path, "/")
	target.RawQuery = strings.TrimPrefix(req.Query, "?")

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultProxyTimeout)
		defer cancel()
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), bytes.NewReader(req.Body))
	if err != nil {
		return nil, utils.MakeError("error building proxy request for workspace %s: %s", req.WorkspaceID, err)
	}
	httpReq.Header = StripHopByHop(req.Headers)
	// Let the transport negotiate and decode compression itself, since we
	// never relay Content-Encoding back.
	httpReq.Header.Del("Accept-Encoding")

	resp, err := client.Do(httpReq)
	if err != nil {
		if isTimeout(err) {
			return nil, UnreachableError(op, req.WorkspaceID, "timed out reaching %s", target.Host)
		}
		return nil, UnreachableError(op, req.WorkspaceID, "could not reach %s: %s", target.Host, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProxyBody))
	if err != nil {
		return nil, UnreachableError(op, req.WorkspaceID, "error reading response from %s: %s", target.Host, err)
	}

	return &ProxyResponse{
		Status:  resp.StatusCode,
		Headers: StripHopByHop(resp.Header),
		Body:    body,
	}, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// BadGatewayResponse is returned by backends that answer an unroutable
// proxy request with a response instead of an error.
func BadGatewayResponse(message string) *ProxyResponse {
	h := make(http.Header)
	h.Set("Content-Type", "text/plain; charset=utf-8")
	return &ProxyResponse{Status: http.StatusBadGateway, Headers: h, Body: []byte(message)}
}
