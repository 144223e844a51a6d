package pipeline

import (
	"errors"
	"testing"

	"github.com/fetchkit/crawlkit/errs"
	"github.com/fetchkit/crawlkit/request"
)

func testContext(t *testing.T) *Context {
	t.Helper()
	req, err := request.New("GET", "http://example.com/a", request.Options{})
	if err != nil {
		t.Fatalf("request.New: %v", err)
	}
	return NewContext(req, nil, nil, nil, nil, nil)
}

// TestCleanupOrder covers spec.md §8 property 9: for middlewares
// M1∘M2∘M3, setup runs 1→2→3 and cleanup runs 3→2→1 regardless of
// which stage raised.
func TestCleanupOrder(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return Middleware{
			Name: name,
			Setup: func(ctx *Context) (*Context, error) {
				order = append(order, "setup:"+name)
				return ctx, nil
			},
			Cleanup: func(ctx *Context, err error) error {
				order = append(order, "cleanup:"+name)
				return nil
			},
		}
	}

	p := New(mw("M1"), mw("M2"), mw("M3"))
	err := p.Run(testContext(t), func(ctx *Context) error { return nil })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"setup:M1", "setup:M2", "setup:M3", "cleanup:M3", "cleanup:M2", "cleanup:M1"}
	if len(order) != len(want) {
		t.Fatalf("got %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got %v, want %v", order, want)
		}
	}
}

// TestCleanupOrderOnHandlerError asserts cleanup still unwinds in
// reverse order when the handler itself raises.
func TestCleanupOrderOnHandlerError(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return Middleware{
			Name:    name,
			Setup:   func(ctx *Context) (*Context, error) { order = append(order, "setup:"+name); return ctx, nil },
			Cleanup: func(ctx *Context, err error) error { order = append(order, "cleanup:"+name); return nil },
		}
	}
	p := New(mw("M1"), mw("M2"))
	handlerErr := errors.New("boom")
	err := p.Run(testContext(t), func(ctx *Context) error { return handlerErr })

	var rhe *errs.RequestHandlerError
	if !errors.As(err, &rhe) {
		t.Fatalf("expected RequestHandlerError, got %v", err)
	}

	want := []string{"setup:M1", "setup:M2", "cleanup:M2", "cleanup:M1"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got %v, want %v", order, want)
		}
	}
}

func TestSetupErrorWraps(t *testing.T) {
	mw := Middleware{
		Name:  "bad",
		Setup: func(ctx *Context) (*Context, error) { return nil, errors.New("setup failed") },
	}
	p := New(mw)
	err := p.Run(testContext(t), func(ctx *Context) error { t.Fatal("handler must not run"); return nil })

	var ie *errs.ContextPipelineInitializationError
	if !errors.As(err, &ie) {
		t.Fatalf("expected ContextPipelineInitializationError, got %v", err)
	}
}

// TestInterrupt covers spec.md §8 S7: a middleware raising
// ContextPipelineInterruptedError during setup skips the handler
// without failing the request.
func TestInterrupt(t *testing.T) {
	mw := Middleware{
		Name: "robots",
		Setup: func(ctx *Context) (*Context, error) {
			return nil, &errs.ContextPipelineInterruptedError{Reason: "disallowed by robots.txt"}
		},
		Cleanup: func(ctx *Context, err error) error { return nil },
	}
	p := New(mw)
	handlerRan := false
	err := p.Run(testContext(t), func(ctx *Context) error { handlerRan = true; return nil })

	if handlerRan {
		t.Fatalf("handler must not run after interrupt")
	}
	var ie *errs.ContextPipelineInterruptedError
	if !errors.As(err, &ie) {
		t.Fatalf("expected ContextPipelineInterruptedError, got %v", err)
	}
}
