package recovery

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

func newBufLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewTextHandler(&buf, nil)), &buf
}

func TestGuard_RecoversPanic(t *testing.T) {
	logger, buf := newBufLogger()

	var got any
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer Guard(logger, "expiryLoop", func(r any) { got = r })
		panic("boom")
	}()
	wg.Wait()

	out := buf.String()
	for _, want := range []string{"panic recovered", "expiryLoop", "boom", "stack="} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output, got: %s", want, out)
		}
	}
	if got != "boom" {
		t.Errorf("onPanic got %v, want boom", got)
	}
}

func TestGuard_NoPanic(t *testing.T) {
	logger, buf := newBufLogger()

	func() {
		defer Guard(logger, "quiet", func(any) { t.Error("onPanic called without panic") })
	}()

	if buf.Len() > 0 {
		t.Errorf("expected no output, got: %s", buf.String())
	}
}

func TestCall(t *testing.T) {
	logger, buf := newBufLogger()

	if Call(logger, "handler", func() {}) {
		t.Error("Call reported panic for normal function")
	}
	if !Call(logger, "handler", func() { panic("bad datagram") }) {
		t.Error("Call did not report panic")
	}
	if !strings.Contains(buf.String(), "bad datagram") {
		t.Errorf("expected panic value in output, got: %s", buf.String())
	}
}

func TestGo(t *testing.T) {
	logger, _ := newBufLogger()

	sentinel := errors.New("read failed")
	if err := Go(logger, "reader", func() error { return sentinel })(); !errors.Is(err, sentinel) {
		t.Errorf("err = %v, want %v", err, sentinel)
	}

	err := Go(logger, "reader", func() error { panic("oops") })()
	if !errors.Is(err, ErrPanic) {
		t.Fatalf("err = %v, want ErrPanic", err)
	}
	if !strings.Contains(err.Error(), "reader") {
		t.Errorf("error should name the goroutine: %v", err)
	}
}

func TestNilLogger(t *testing.T) {
	if !Call(nil, "nil", func() { panic("x") }) {
		t.Error("Call with nil logger did not report panic")
	}
}
