package cli_test

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/coder/gallatin/cli"
	"github.com/coder/gallatin/testutil"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestServer(t *testing.T) {
	t.Parallel()

	t.Run("RejectsBlockedHost", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitLong)

		fs := afero.NewMemMapFs()
		require.NoError(t, afero.WriteFile(fs, "/etc/gallatin/rules.yaml", []byte(
			"enabled: true\nconnection:\n  blocked_hosts: [\"ads.example\"]\n"), 0o600))
		jsonl := filepath.Join(t.TempDir(), "access.jsonl")
		port := strconv.Itoa(freePort(t))
		addr := net.JoinHostPort("127.0.0.1", port)

		root := &cli.RootCmd{Fs: fs}
		inv := root.Command().Invoke(
			"server",
			"--address", "127.0.0.1",
			"--port", port,
			"--filter-rules", "/etc/gallatin/rules.yaml",
			"--access-log-jsonl", jsonl,
			"--log-human", "/dev/stderr",
		)
		stderr := &syncBuffer{}
		inv.Stdout = io.Discard
		inv.Stderr = stderr

		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		errs := make(chan error, 1)
		go func() {
			errs <- inv.WithContext(runCtx).Run()
		}()

		var conn net.Conn
		testutil.Eventually(ctx, t, func(context.Context) bool {
			c, err := net.Dial("tcp", addr)
			if err != nil {
				return false
			}
			conn = c
			return true
		}, testutil.IntervalFast)
		defer conn.Close()
		_ = conn.SetDeadline(time.Now().Add(testutil.WaitShort))

		_, err := conn.Write([]byte("GET http://ads.example/ HTTP/1.1\r\nHost: ads.example\r\n\r\n"))
		require.NoError(t, err)
		out, err := io.ReadAll(conn)
		require.NoError(t, err)
		require.Contains(t, string(out), "Gallatin Proxy - Connection Rejected")

		cancel()
		require.NoError(t, testutil.RequireReceive(ctx, t, errs))

		data, err := os.ReadFile(jsonl)
		require.NoError(t, err)
		require.Contains(t, string(data), `"outcome":"connection-rejected"`)
		require.Contains(t, stderr.String(), "starting gallatin proxy")
	})

	t.Run("MissingRules", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)

		root := &cli.RootCmd{Fs: afero.NewMemMapFs()}
		inv := root.Command().Invoke(
			"server",
			"--address", "127.0.0.1",
			"--port", "0",
			"--filter-rules", "/missing.yaml",
			"--log-human", "/dev/stderr",
		)
		inv.Stdout = io.Discard
		inv.Stderr = io.Discard
		err := inv.WithContext(ctx).Run()
		require.ErrorContains(t, err, "read filter rules")
	})

	t.Run("InvalidSize", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)

		root := &cli.RootCmd{Fs: afero.NewMemMapFs()}
		inv := root.Command().Invoke(
			"server",
			"--max-pending-bytes", "lots",
			"--log-human", "/dev/stderr",
		)
		inv.Stdout = io.Discard
		inv.Stderr = io.Discard
		err := inv.WithContext(ctx).Run()
		require.Error(t, err)
	})
}
