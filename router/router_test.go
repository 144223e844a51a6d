package router

import (
	"testing"

	"github.com/fetchkit/crawlkit/pipeline"
)

func noop(ctx *pipeline.Context) error { return nil }

func TestDispatchExactMatch(t *testing.T) {
	r := New()
	r.Handle("detail", noop)
	r.Default(noop)

	h, err := r.Dispatch("detail")
	if err != nil || h == nil {
		t.Fatalf("expected handler for exact label match, got err=%v", err)
	}
}

func TestDispatchFallsBackToDefault(t *testing.T) {
	r := New()
	r.Default(noop)

	h, err := r.Dispatch("unknown")
	if err != nil || h == nil {
		t.Fatalf("expected default handler, got err=%v", err)
	}
}

func TestDispatchNoDefaultIsError(t *testing.T) {
	r := New()
	if _, err := r.Dispatch("anything"); err == nil {
		t.Fatalf("expected an error with no default handler registered")
	}
}

func TestDoubleRegistrationPanics(t *testing.T) {
	r := New()
	r.Handle("detail", noop)

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on double registration of the same label")
		}
	}()
	r.Handle("detail", noop)
}
