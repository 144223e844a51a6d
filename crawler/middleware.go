package crawler

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/fetchkit/crawlkit/collaborator"
	"github.com/fetchkit/crawlkit/errs"
	"github.com/fetchkit/crawlkit/pipeline"
	"github.com/fetchkit/crawlkit/session"
)

// fetchMiddleware is the built-in first middleware of every pipeline:
// it sends the request through the bound Transport, classifies the
// response into the errs.Kind taxonomy, parses the body, and attaches
// both to the Context for the router-dispatched handler (spec.md §4.8,
// §4.10). If Deps.Transport is nil the middleware is a no-op, so a
// driver can be exercised purely against the queue/session/proxy
// machinery in tests without a real network stack.
func fetchMiddleware(deps Deps, cfg Config) pipeline.Middleware {
	return pipeline.Middleware{
		Name: "fetch",
		Setup: func(ctx *pipeline.Context) (*pipeline.Context, error) {
			if deps.Transport == nil {
				return ctx, nil
			}

			headers := cloneHeaders(ctx.Req.Headers)
			domain := hostOf(ctx.Req.URL)
			if ctx.Session != nil {
				attachCookies(headers, ctx.Session, domain)
			}

			resp, err := deps.Transport.Send(ctx.Ctx, ctx.Req.Method, ctx.Req.URL, headers, ctx.Req.Payload, ctx.Proxy.URL())
			if err != nil {
				// A connection-level failure is attributable to the proxy
				// rather than the target when one is in play (spec.md
				// §4.4, §7 kind 2: "connection error ... classified as
				// proxy block"); with no proxy bound there is nothing to
				// blame but the transport itself.
				if ctx.Proxy.URL() != "" {
					return ctx, errs.New(errs.KindProxy, ctx.Req.UniqueKey, fmt.Errorf("send via proxy: %w", err))
				}
				return ctx, errs.New(errs.KindTransport, ctx.Req.UniqueKey, fmt.Errorf("send: %w", err))
			}

			status := resp.StatusCode()
			if status == http.StatusProxyAuthRequired {
				return ctx, errs.New(errs.KindProxy, ctx.Req.UniqueKey, fmt.Errorf("proxy authentication required: status %d", status))
			}
			if containsInt(cfg.RateLimitStatusCodes, status) {
				ce := errs.New(errs.KindRateLimit, ctx.Req.UniqueKey, fmt.Errorf("rate limited: status %d", status))
				ce.RetryAfter = firstHeader(resp.Headers(), "Retry-After")
				return ctx, ce
			}
			if ctx.Session != nil && ctx.Session.IsBlockedStatusCode(status) {
				return ctx, errs.New(errs.KindSession, ctx.Req.UniqueKey, fmt.Errorf("blocked status %d", status))
			}
			if containsInt(cfg.ErrorStatusCodes, status) {
				return ctx, errs.New(errs.KindHTTPStatus, ctx.Req.UniqueKey, fmt.Errorf("http status %d", status))
			}

			body, err := resp.Read()
			if err != nil {
				return ctx, errs.New(errs.KindTransport, ctx.Req.UniqueKey, fmt.Errorf("read body: %w", err))
			}

			var doc collaborator.Parsed
			if deps.Parser != nil {
				doc, err = deps.Parser.Parse(body)
				if err != nil {
					return ctx, errs.New(errs.KindHandler, ctx.Req.UniqueKey, fmt.Errorf("parse: %w", err))
				}
			}

			ctx.Req.LoadedURL = resp.FinalURL()
			if ctx.Session != nil {
				ctx.Session.SetCookies(domain, parseSetCookies(resp.Headers()["Set-Cookie"]))
			}

			return ctx.WithResponse(resp, doc), nil
		},
		Cleanup: func(ctx *pipeline.Context, err error) error { return nil },
	}
}

func cloneHeaders(h map[string][]string) map[string][]string {
	out := make(map[string][]string, len(h))
	for k, v := range h {
		out[k] = append([]string(nil), v...)
	}
	return out
}

func attachCookies(headers map[string][]string, s *session.Session, domain string) {
	cookies := s.CookiesFor(domain)
	if len(cookies) == 0 {
		return
	}
	hc := make([]*http.Cookie, 0, len(cookies))
	for _, c := range cookies {
		hc = append(hc, &http.Cookie{Name: c.Name, Value: c.Value})
	}
	req := &http.Request{Header: http.Header{}}
	for _, c := range hc {
		req.AddCookie(c)
	}
	if v := req.Header.Get("Cookie"); v != "" {
		headers["Cookie"] = []string{v}
	}
}

// parseSetCookies reuses net/http's own Set-Cookie parser (via a throwaway
// http.Response) rather than hand-rolling cookie-attribute parsing.
func parseSetCookies(values []string) []session.Cookie {
	if len(values) == 0 {
		return nil
	}
	resp := &http.Response{Header: http.Header{"Set-Cookie": values}}
	out := make([]session.Cookie, 0, len(values))
	for _, c := range resp.Cookies() {
		out = append(out, session.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			HTTPOnly: c.HttpOnly,
			Secure:   c.Secure,
			SameSite: sameSiteString(c.SameSite),
		})
	}
	return out
}

func sameSiteString(s http.SameSite) string {
	switch s {
	case http.SameSiteLaxMode:
		return "Lax"
	case http.SameSiteStrictMode:
		return "Strict"
	case http.SameSiteNoneMode:
		return "None"
	default:
		return ""
	}
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Hostname()
}

func firstHeader(h map[string][]string, key string) string {
	if v := h[key]; len(v) > 0 {
		return v[0]
	}
	return ""
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
