package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// Eventually polls condition every tick until it returns true or ctx expires.
// ctx must carry a deadline. The test is marked failed on expiry and false is
// returned.
func Eventually(ctx context.Context, t testing.TB, condition func(ctx context.Context) (done bool), tick time.Duration, msgAndArgs ...any) (done bool) {
	t.Helper()

	if _, ok := ctx.Deadline(); !ok {
		panic("developer error: must set deadline or timeout on ctx")
	}

	msg := "Eventually timed out"
	if len(msgAndArgs) > 0 {
		m, ok := msgAndArgs[0].(string)
		if !ok {
			panic("developer error: first argument of msgAndArgs must be a string")
		}
		msg = fmt.Sprintf(m, msgAndArgs[1:]...)
	}

	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			assert.NoError(t, ctx.Err(), msg)
			return false
		case <-ticker.C:
			if !assert.NoError(t, ctx.Err(), msg) {
				return false
			}
			if condition(ctx) {
				return true
			}
		}
	}
}

// EventuallyShort is Eventually with a WaitShort deadline and IntervalFast tick.
func EventuallyShort(t testing.TB, condition func(context.Context) bool, msgAndArgs ...any) bool {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), WaitShort)
	defer cancel()
	return Eventually(ctx, t, condition, IntervalFast, msgAndArgs...)
}

func EventuallyLong(t testing.TB, condition func(context.Context) bool, msgAndArgs ...any) bool {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), WaitLong)
	defer cancel()
	return Eventually(ctx, t, condition, IntervalMedium, msgAndArgs...)
}
