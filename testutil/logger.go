package testutil

import (
	"context"
	"io"
	"net"
	"testing"

	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/slogtest"
)

// Logger returns a debug level test logger that tolerates the errors every
// proxy test produces while tearing connections down.
func Logger(t testing.TB) slog.Logger {
	return slogtest.Make(
		t, &slogtest.Options{IgnoreErrorFn: IgnoreLoggedError},
	).Leveled(slog.LevelDebug)
}

func IgnoreLoggedError(entry slog.SinkEntry) bool {
	err, ok := slogtest.FindFirstError(entry)
	if !ok {
		return false
	}
	return isTeardownError(err)
}

func isTeardownError(err error) bool {
	return xerrors.Is(err, context.Canceled) ||
		xerrors.Is(err, context.DeadlineExceeded) ||
		xerrors.Is(err, net.ErrClosed) ||
		xerrors.Is(err, io.EOF) ||
		xerrors.Is(err, io.ErrClosedPipe)
}
