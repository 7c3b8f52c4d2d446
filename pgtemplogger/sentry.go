package pgtemplogger // import "github.com/pgtemp/pgtemp/pgtemplogger"

import (
	"log"
	"os"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/pgtemp/pgtemp/metadata"
	"github.com/pgtemp/pgtemp/utils"
)

type sentrySender struct{}

// We use a pointer of this type so we can check if it is nil in our logging
// functions, and therefore always call them safely.
var sentryTransport *sentrySender

func (*sentrySender) send(err error) {
	sentry.CaptureException(err)
}

// initializeSentry sets up Sentry, unless usingProdLogging() says not to (a
// developer running pgtemp locally has no Sentry DSN to report to and no
// interest in one).
func initializeSentry() (*sentrySender, error) {
	dsn := os.Getenv("PGTEMP_SENTRY_DSN")
	if !usingProdLogging() || dsn == "" {
		log.Print("Not setting up Sentry.")
		return nil, nil
	}

	log.Print("Setting up Sentry.")
	err := sentry.Init(sentry.ClientOptions{
		Dsn:         dsn,
		Release:     metadata.GetGitCommit(),
		Environment: string(metadata.GetAppEnvironment()),
	})
	if err != nil {
		return nil, utils.MakeError("error calling sentry.Init: %v", err)
	}
	log.Printf("Set Sentry release to git commit hash: %s", metadata.GetGitCommit())

	return new(sentrySender), nil
}

// FlushSentry flushes events in the Sentry queue.
func FlushSentry() {
	sentry.Flush(5 * time.Second)
}

// usingProdLogging mirrors the teacher's usingProdLogging: an explicit
// PGTEMP_PROD_LOGGING override wins, otherwise Sentry defaults to enabled
// whenever GetAppEnvironment() isn't Local (i.e. under CI), gated in
// practice by PGTEMP_SENTRY_DSN being unset on a bare CI runner.
func usingProdLogging() bool {
	switch os.Getenv("PGTEMP_PROD_LOGGING") {
	case "1", "true":
		return true
	case "0", "false":
		return false
	default:
		return !metadata.IsLocalEnv()
	}
}
