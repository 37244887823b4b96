// Package buildinfo reports the version the binary was built from.
package buildinfo

import (
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"golang.org/x/mod/semver"
)

var (
	buildInfo      *debug.BuildInfo
	buildInfoValid bool
	readBuildInfo  sync.Once

	externalURL     string
	readExternalURL sync.Once

	version     string
	readVersion sync.Once

	// Injected with ldflags at build!
	tag string
)

const repo = "https://github.com/coder/gallatin"

// Version returns the semantic version of the build.
// Use golang.org/x/mod/semver to compare versions.
func Version() string {
	readVersion.Do(func() {
		revision, valid := revision()
		if valid && len(revision) >= 7 {
			revision = "+" + revision[:7]
		} else {
			revision = ""
		}
		if tag == "" {
			version = "v0.0.0-devel" + revision
			return
		}
		t := strings.TrimPrefix(tag, "v")
		if semver.Build("v"+t) == "" {
			t += revision
		}
		version = "v" + t
	})
	return version
}

// IsDev reports whether this is a development build.
func IsDev() bool {
	return strings.HasPrefix(Version(), "v0.0.0-devel")
}

// ExternalURL returns a URL referencing the current version.
// For production builds, this will link directly to a release.
// For development builds, this will link to a commit.
func ExternalURL() string {
	readExternalURL.Do(func() {
		revision, valid := revision()
		if !valid {
			externalURL = repo
			return
		}
		if !IsDev() {
			externalURL = fmt.Sprintf("%s/releases/tag/%s", repo, semver.Canonical(Version()))
			return
		}
		externalURL = fmt.Sprintf("%s/commit/%s", repo, revision)
	})
	return externalURL
}

// Time returns when the Git revision was published.
func Time() (time.Time, bool) {
	value, valid := find("vcs.time")
	if !valid {
		return time.Time{}, false
	}
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, false
	}
	return parsed, true
}

// revision returns the Git hash of the build.
func revision() (string, bool) {
	return find("vcs.revision")
}

func find(key string) (string, bool) {
	readBuildInfo.Do(func() {
		buildInfo, buildInfoValid = debug.ReadBuildInfo()
	})
	if !buildInfoValid {
		return "", false
	}
	for _, setting := range buildInfo.Settings {
		if setting.Key != key {
			continue
		}
		return setting.Value, true
	}
	return "", false
}
