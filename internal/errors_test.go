package internal

import (
	"errors"
	"fmt"
	"os"
	"testing"
)

func TestAssertion(t *testing.T) {
	os.Setenv("CLIENTSYNC_DEBUG", "1")
	shouldPanic := true
	shouldNotPanic := false

	try(t, shouldNotPanic, func() {
		Assert("true does nothing", true)
	})
	try(t, shouldPanic, func() {
		Assert("false panics", false)
	})

	os.Setenv("CLIENTSYNC_DEBUG", "0")
	try(t, shouldNotPanic, func() {
		Assert("true does nothing", true)
	})
	try(t, shouldNotPanic, func() {
		Assert("false does not panic if CLIENTSYNC_DEBUG is not 1", false)
	})
}

func TestErrorKinds(t *testing.T) {
	testCases := []struct {
		name     string
		err      error
		wantKind ErrorKind
		isUnauth bool
	}{
		{
			name:     "unauthorized sentinel",
			err:      ErrUnauthorized,
			wantKind: KindUnauthorized,
			isUnauth: true,
		},
		{
			name:     "wrapped unauthorized",
			err:      fmt.Errorf("DoSyncV2: %w", NewError(KindUnauthorized, "HTTP 401")),
			wantKind: KindUnauthorized,
			isUnauth: true,
		},
		{
			name:     "storage",
			err:      NewError(KindStorage, "insert failed: %s", "disk full"),
			wantKind: KindStorage,
		},
		{
			name:     "plain errors are transient",
			err:      errors.New("connection reset"),
			wantKind: KindTransient,
		},
	}
	for _, tc := range testCases {
		if got := KindOf(tc.err); got != tc.wantKind {
			t.Errorf("%s: KindOf got %v want %v", tc.name, got, tc.wantKind)
		}
		if got := errors.Is(tc.err, ErrUnauthorized); got != tc.isUnauth {
			t.Errorf("%s: errors.Is(ErrUnauthorized) got %v want %v", tc.name, got, tc.isUnauth)
		}
	}
}

func TestErrorMessage(t *testing.T) {
	err := NewError(KindMalformed, "bad membership %q", "joined")
	want := `malformed: bad membership "joined"`
	if err.Error() != want {
		t.Fatalf("Error() got %q want %q", err.Error(), want)
	}
	if !errors.Is(err, &Error{Kind: KindMalformed}) {
		t.Fatalf("errors.Is did not match same kind")
	}
}

func try(t *testing.T, shouldPanic bool, fn func()) {
	t.Helper()
	defer func() {
		t.Helper()
		err := recover()
		if err != nil {
			if shouldPanic {
				return
			}
			t.Fatalf("panic: %s", err)
		} else {
			if shouldPanic {
				t.Fatalf("function did not panic")
			}
		}
	}()
	fn()
}
