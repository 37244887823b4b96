package cli

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestByteSize(t *testing.T) {
	t.Parallel()

	var b byteSize
	require.NoError(t, b.Set("8KiB"))
	require.Equal(t, 8192, b.Int())
	require.Equal(t, "8.0 KiB", b.String())

	require.NoError(t, b.Set(b.String()))
	require.Equal(t, 8192, b.Int())

	require.NoError(t, b.Set("1 MB"))
	require.Equal(t, 1000000, b.Int())

	require.Error(t, b.Set("lots"))
	require.Error(t, b.Set("100GiB"))
}
