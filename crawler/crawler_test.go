package crawler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fetchkit/crawlkit/collaborator"
	"github.com/fetchkit/crawlkit/errs"
	"github.com/fetchkit/crawlkit/pipeline"
	"github.com/fetchkit/crawlkit/request"
	"github.com/fetchkit/crawlkit/router"
	"github.com/fetchkit/crawlkit/storage"
)

// fakeResponse is a minimal collaborator.Response for tests.
type fakeResponse struct {
	status  int
	headers map[string][]string
	body    []byte
	final   string
}

func (r *fakeResponse) StatusCode() int              { return r.status }
func (r *fakeResponse) Headers() map[string][]string { return r.headers }
func (r *fakeResponse) Read() ([]byte, error)         { return r.body, nil }
func (r *fakeResponse) HTTPVersion() string           { return "HTTP/1.1" }
func (r *fakeResponse) FinalURL() string              { return r.final }

// scriptedTransport returns a sequence of responses (or errors) per
// URL, advancing one step each time Send is called for that URL;
// the last scripted step repeats once exhausted.
type scriptedTransport struct {
	mu      sync.Mutex
	scripts map[string][]func() (collaborator.Response, error)
	calls   map[string]int
}

func newScriptedTransport() *scriptedTransport {
	return &scriptedTransport{
		scripts: make(map[string][]func() (collaborator.Response, error)),
		calls:   make(map[string]int),
	}
}

func (t *scriptedTransport) script(url string, steps ...func() (collaborator.Response, error)) {
	t.scripts[url] = steps
}

func (t *scriptedTransport) Send(ctx context.Context, method, url string, headers map[string][]string, body []byte, proxyURL string) (collaborator.Response, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	steps := t.scripts[url]
	if len(steps) == 0 {
		return &fakeResponse{status: 200, final: url}, nil
	}
	i := t.calls[url]
	if i >= len(steps) {
		i = len(steps) - 1
	}
	t.calls[url]++
	return steps[i]()
}

func (t *scriptedTransport) callCount(url string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls[url]
}

func ok200() func() (collaborator.Response, error) {
	return func() (collaborator.Response, error) { return &fakeResponse{status: 200}, nil }
}

func mustSeed(t *testing.T, rawURL string) *request.Request {
	t.Helper()
	r, err := request.New("GET", rawURL, request.Options{})
	if err != nil {
		t.Fatalf("request.New(%q): %v", rawURL, err)
	}
	return r
}

// S1 Single page: handler pushes {url}; expect one finished request and
// one dataset item.
func TestScenarioSinglePage(t *testing.T) {
	ds := storage.NewMemoryDataset()
	rt := router.New()
	rt.Default(func(ctx *pipeline.Context) error {
		return ctx.PushData(ctx.Ctx, map[string]any{"url": ctx.Req.URL})
	})

	c := New(Options{
		Router:    rt,
		Dataset:   ds,
		Transport: newScriptedTransport(),
	})

	seed := mustSeed(t, "http://h/a")
	runCrawl(t, c, []*request.Request{seed})

	st := c.GetStats()
	if st.RequestsFinished != 1 {
		t.Fatalf("expected 1 finished request, got %d", st.RequestsFinished)
	}
	page, err := ds.GetData(context.Background(), 0, 0, false)
	if err != nil {
		t.Fatalf("get_data: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0]["url"] != "http://h/a" {
		t.Fatalf("unexpected dataset contents: %+v", page.Items)
	}
}

// S2 Same URL twice: queue dedups to one entry, so exactly one finish.
func TestScenarioDuplicateSeed(t *testing.T) {
	rt := router.New()
	rt.Default(func(ctx *pipeline.Context) error { return nil })

	c := New(Options{Router: rt, Transport: newScriptedTransport()})

	a := mustSeed(t, "http://h/a")
	b := mustSeed(t, "http://h/a")
	runCrawl(t, c, []*request.Request{a, b})

	if c.GetStats().RequestsFinished != 1 {
		t.Fatalf("expected 1 finished request for a duplicate seed, got %d", c.GetStats().RequestsFinished)
	}
}

// S3 Retry then succeed: handler fails on the first visit (transport
// error), succeeds on the second.
func TestScenarioRetryThenSucceed(t *testing.T) {
	ds := storage.NewMemoryDataset()
	rt := router.New()
	rt.Default(func(ctx *pipeline.Context) error {
		return ctx.PushData(ctx.Ctx, map[string]any{"url": ctx.Req.URL})
	})

	tr := newScriptedTransport()
	tr.script("http://h/a",
		func() (collaborator.Response, error) { return nil, errors.New("boom") },
		ok200(),
	)

	c := New(Options{Router: rt, Dataset: ds, Transport: tr})
	runCrawl(t, c, []*request.Request{mustSeed(t, "http://h/a")})

	st := c.GetStats()
	if st.RequestsFinished != 1 {
		t.Fatalf("expected 1 finished request, got %d", st.RequestsFinished)
	}
	if len(st.RetryHistogram) < 2 || st.RetryHistogram[1] != 1 {
		t.Fatalf("expected retry_histogram[1]=1, got %v", st.RetryHistogram)
	}
	page, _ := ds.GetData(context.Background(), 0, 0, false)
	if len(page.Items) != 1 {
		t.Fatalf("expected one dataset item, got %d", len(page.Items))
	}
}

// S4 Permanent failure: handler always fails; after MaxRequestRetries+1
// attempts the request ends up failed.
func TestScenarioPermanentFailure(t *testing.T) {
	rt := router.New()
	rt.Default(func(ctx *pipeline.Context) error { return nil })

	tr := newScriptedTransport()
	tr.script("http://h/a", func() (collaborator.Response, error) {
		return nil, errors.New("persistent failure")
	})

	var failedCount int32
	c := New(Options{
		Router:    rt,
		Transport: tr,
		Driver:    Config{MaxRequestRetries: 2, ErrorStatusCodes: []int{500, 502, 503, 504}, RateLimitStatusCodes: []int{429}},
		OnFailed: func(ctx *pipeline.Context, err error) {
			atomic.AddInt32(&failedCount, 1)
		},
	})
	runCrawl(t, c, []*request.Request{mustSeed(t, "http://h/a")})

	st := c.GetStats()
	if st.RequestsFailed != 1 {
		t.Fatalf("expected 1 failed request, got %d", st.RequestsFailed)
	}
	if tr.callCount("http://h/a") != 3 {
		t.Fatalf("expected 3 attempts (MaxRequestRetries=2 -> 3 tries), got %d", tr.callCount("http://h/a"))
	}
	if atomic.LoadInt32(&failedCount) != 1 {
		t.Fatalf("expected OnFailed called once, got %d", failedCount)
	}
}

// S5 429 once: first response is a 429 with Retry-After, second
// succeeds; exactly one throttler delay is observed.
func TestScenarioRateLimitOnce(t *testing.T) {
	rt := router.New()
	rt.Default(func(ctx *pipeline.Context) error { return nil })

	tr := newScriptedTransport()
	tr.script("http://h/a",
		func() (collaborator.Response, error) {
			return &fakeResponse{status: 429, headers: map[string][]string{"Retry-After": {"0"}}}, nil
		},
		ok200(),
	)

	c := New(Options{Router: rt, Transport: tr})
	runCrawl(t, c, []*request.Request{mustSeed(t, "http://h/a")})

	st := c.GetStats()
	if st.RequestsFinished != 1 {
		t.Fatalf("expected 1 finished request, got %d", st.RequestsFinished)
	}
	if st.RetryHistogram[0] != 1 {
		t.Fatalf("expected the retry_count to still be 0 (rate limit doesn't consume a retry), got %v", st.RetryHistogram)
	}
	if c.Throttler.ConsecutiveRateLimits("http://h/a") != 0 {
		t.Fatalf("expected throttler count reset to 0 after the eventual success")
	}
}

// S7 Interrupt: a middleware raises ContextPipelineInterruptedError for
// a matching URL; that request ends up handled-skipped, not finished.
func TestScenarioPipelineInterrupt(t *testing.T) {
	var skippedReason string
	rt := router.New()
	rt.Default(func(ctx *pipeline.Context) error {
		return ctx.PushData(ctx.Ctx, map[string]any{"url": ctx.Req.URL})
	})

	c := New(Options{
		Router:    rt,
		Transport: newScriptedTransport(),
		Middlewares: []pipeline.Middleware{
			loginInterruptMiddleware(&skippedReason),
		},
	})
	runCrawl(t, c, []*request.Request{mustSeed(t, "http://h/login")})

	st := c.GetStats()
	if st.RequestsFinished != 0 {
		t.Fatalf("expected interrupted request not counted as finished, got %d", st.RequestsFinished)
	}
	if skippedReason == "" {
		t.Fatalf("expected the interrupt middleware to have run")
	}
}

// S8 Session rotation does not consume retries: the first two visits
// come back with a blocked status (403), forcing a session rotation
// each time (MaxSessionRotations=2 gives it exactly enough budget), and
// the third visit succeeds. retry_count must still read 0.
func TestScenarioSessionRotationDoesNotConsumeRetries(t *testing.T) {
	rt := router.New()
	rt.Default(func(ctx *pipeline.Context) error { return nil })

	tr := newScriptedTransport()
	tr.script("http://h/a",
		func() (collaborator.Response, error) { return &fakeResponse{status: 403}, nil },
		func() (collaborator.Response, error) { return &fakeResponse{status: 403}, nil },
		ok200(),
	)

	c := New(Options{
		Router:    rt,
		Transport: tr,
		Driver:    Config{MaxRequestRetries: 3, MaxSessionRotations: 2, ErrorStatusCodes: []int{500, 502, 503, 504}, RateLimitStatusCodes: []int{429}},
	})
	runCrawl(t, c, []*request.Request{mustSeed(t, "http://h/a")})

	st := c.GetStats()
	if st.RequestsFinished != 1 {
		t.Fatalf("expected 1 finished request, got %d", st.RequestsFinished)
	}
	if st.RetryHistogram[0] != 1 {
		t.Fatalf("expected retry_histogram[0]=1 (rotations don't consume retries), got %v", st.RetryHistogram)
	}
	if tr.callCount("http://h/a") != 3 {
		t.Fatalf("expected 3 attempts (2 rotations + success), got %d", tr.callCount("http://h/a"))
	}
}

// loginInterruptMiddleware mimics a robots.txt/login-wall guard: it
// interrupts the pipeline for any URL containing "/login" (spec.md
// §4.8, §8 scenario S7), stashing the reason it fired into *reason so
// the test can assert the middleware actually ran.
func loginInterruptMiddleware(reason *string) pipeline.Middleware {
	return pipeline.Middleware{
		Name: "login-guard",
		Setup: func(ctx *pipeline.Context) (*pipeline.Context, error) {
			if strings.Contains(ctx.Req.URL, "/login") {
				*reason = "login wall"
				return ctx, &errs.ContextPipelineInterruptedError{Reason: *reason}
			}
			return ctx, nil
		},
		Cleanup: func(ctx *pipeline.Context, err error) error { return nil },
	}
}

func runCrawl(t *testing.T, c *Crawler, seeds []*request.Request) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Run(ctx, seeds); err != nil {
		t.Fatalf("crawler run: %v", err)
	}
}
