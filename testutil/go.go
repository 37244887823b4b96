package testutil

import (
	"testing"
)

// Go runs fn in a goroutine and blocks test cleanup until fn returns. The
// returned channel closes when fn is done.
func Go(t *testing.T, fn func()) (done <-chan struct{}) {
	t.Helper()

	doneC := make(chan struct{})
	t.Cleanup(func() {
		<-doneC
	})
	go func() {
		defer close(doneC)
		fn()
	}()

	return doneC
}
