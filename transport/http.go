// Package transport ships one concrete collaborator.Transport
// implementation wrapping net/http (spec.md §6). The spec deliberately
// excludes transports from the core's engineering surface, so this is
// kept minimal: it exists only so crawlkit runs end to end without a
// caller supplying their own.
package transport

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/fetchkit/crawlkit/collaborator"
)

var _ collaborator.Transport = (*HTTPTransport)(nil)

// HTTPTransport sends requests with a stdlib *http.Client, routing each
// one through a per-request proxy URL when given (collaborator.Transport
// "proxyURL" parameter).
type HTTPTransport struct {
	// Timeout bounds each request. The base client is reused for
	// requests without a proxy; a fresh client is built on every Send
	// that carries a proxyURL, since http.Transport pins its proxy at
	// construction time.
	Timeout time.Duration

	base *http.Client
}

// NewHTTPTransport builds an HTTPTransport with the given per-request
// timeout (0 means no timeout).
func NewHTTPTransport(timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{Timeout: timeout, base: &http.Client{Timeout: timeout}}
}

// Send implements collaborator.Transport.
func (t *HTTPTransport) Send(ctx context.Context, method, rawURL string, headers map[string][]string, body []byte, proxyURL string) (collaborator.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	client := t.base
	if proxyURL != "" {
		client = t.clientFor(proxyURL)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	finalURL := rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	return Response{
		status:   resp.StatusCode,
		headers:  resp.Header,
		body:     data,
		version:  resp.Proto,
		finalURL: finalURL,
	}, nil
}

// clientFor returns a new *http.Client dedicated to proxyURL. Nothing is
// cached: each call builds a new http.Transport, so connections made
// through a proxy are not reused across Send calls.
func (t *HTTPTransport) clientFor(proxyURL string) *http.Client {
	u, err := url.Parse(proxyURL)
	if err != nil {
		return t.base
	}
	return &http.Client{
		Timeout: t.Timeout,
		Transport: &http.Transport{
			Proxy: http.ProxyURL(u),
		},
	}
}

// Response adapts an *http.Response into collaborator.Response's
// minimal surface (status, headers, body, HTTP version, final URL after
// redirects).
type Response struct {
	status   int
	headers  http.Header
	body     []byte
	version  string
	finalURL string
}

func (r Response) StatusCode() int              { return r.status }
func (r Response) Headers() map[string][]string { return map[string][]string(r.headers) }
func (r Response) Read() ([]byte, error)        { return r.body, nil }
func (r Response) HTTPVersion() string          { return r.version }
func (r Response) FinalURL() string             { return r.finalURL }
