package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TryReceive receives from c or fails the test once ctx expires. A closed
// channel yields the zero value.
//
// Safety: Must only be called from the Go routine that created `t`.
func TryReceive[A any](ctx context.Context, t testing.TB, c <-chan A) A {
	t.Helper()
	select {
	case <-ctx.Done():
		require.Fail(t, "TryReceive: context expired")
		var a A
		return a
	case a := <-c:
		return a
	}
}

// RequireReceive is TryReceive that also fails the test on a closed channel.
//
// Safety: Must only be called from the Go routine that created `t`.
func RequireReceive[A any](ctx context.Context, t testing.TB, c <-chan A) A {
	t.Helper()
	select {
	case <-ctx.Done():
		require.Fail(t, "RequireReceive: context expired")
		var a A
		return a
	case a, ok := <-c:
		if !ok {
			require.Fail(t, "RequireReceive: channel closed")
		}
		return a
	}
}

// RequireSend sends a on c or fails the test once ctx expires.
//
// Safety: Must only be called from the Go routine that created `t`.
func RequireSend[A any](ctx context.Context, t testing.TB, c chan<- A, a A) {
	t.Helper()
	select {
	case <-ctx.Done():
		require.Fail(t, "RequireSend: context expired")
	case c <- a:
	}
}

// RequireNoReceive fails the test if c yields a value within d.
func RequireNoReceive[A any](t testing.TB, c <-chan A, d time.Duration) {
	t.Helper()
	select {
	case a, ok := <-c:
		if ok {
			require.Failf(t, "RequireNoReceive: unexpected value", "%v", a)
		}
	case <-time.After(d):
	}
}
