package buildinfo_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/mod/semver"

	"github.com/coder/gallatin/buildinfo"
)

func TestBuildInfo(t *testing.T) {
	t.Parallel()

	t.Run("Version", func(t *testing.T) {
		t.Parallel()
		version := buildinfo.Version()
		require.True(t, semver.IsValid(version), "version %q is not valid semver", version)
		require.True(t, buildinfo.IsDev())
	})

	t.Run("ExternalURL", func(t *testing.T) {
		t.Parallel()
		require.True(t, strings.HasPrefix(buildinfo.ExternalURL(), "https://github.com/coder/gallatin"))
	})
}
