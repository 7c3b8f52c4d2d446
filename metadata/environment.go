package metadata // import "github.com/pgtemp/pgtemp/metadata"

import "os"

// An AppEnvironment distinguishes a developer's own machine from a CI
// runner, trimmed from the teacher's five-way dev/staging/prod split down to
// the one distinction pgtemp actually needs: whether prod-style logging
// (Sentry) should be enabled.
type AppEnvironment string

const (
	EnvLocal AppEnvironment = "LOCAL"
	EnvCI    AppEnvironment = "CI"
)

// GetAppEnvironment returns the AppEnvironment of the current process,
// memoized on first call exactly as the teacher memoizes its own
// GetAppEnvironment.
var GetAppEnvironment func() AppEnvironment = func(unmemoized func() AppEnvironment) func() AppEnvironment {
	var isCached = false
	var cache AppEnvironment

	return func() AppEnvironment {
		if isCached {
			return cache
		}
		cache = unmemoized()
		isCached = true
		return cache
	}
}(func() AppEnvironment {
	if IsCI() {
		return EnvCI
	}
	return EnvLocal
})

// IsCI reports whether pgtemp is running under a CI system, checking the
// generic `CI` variable most providers set plus a couple of provider-
// specific fallbacks. Used to decide whether Sentry should be initialized
// at all — a developer's laptop has no business phoning home.
func IsCI() bool {
	for _, name := range []string{"CI", "GITHUB_ACTIONS", "BUILDKITE", "CIRCLECI"} {
		if v := os.Getenv(name); v != "" && v != "0" && v != "false" {
			return true
		}
	}
	return false
}

// IsLocalEnv returns true if pgtemp is running on a developer's own machine
// rather than under CI.
func IsLocalEnv() bool {
	return GetAppEnvironment() == EnvLocal
}
