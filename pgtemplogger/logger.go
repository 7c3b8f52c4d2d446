/*
Package pgtemplogger contains pgtemp's logging, forwarding Error and Panic
calls to Sentry exactly as the teacher's fractallogger package does, minus
the Logzio shipping transport (see DESIGN.md).
*/
package pgtemplogger // import "github.com/pgtemp/pgtemp/pgtemplogger"

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"

	"github.com/pgtemp/pgtemp/utils"
)

func init() {
	log.Default().SetFlags(log.Ldate | log.Lmicroseconds | log.LUTC)

	var err error
	sentryTransport, err = initializeSentry()
	if err != nil {
		// Error, don't Panic: a Sentry outage should not bring down pgtemp.
		Errorf("failed to initialize Sentry: %s", err)
	}
}

// Close flushes all production logging (i.e. Sentry).
func Close() {
	Info("Flushing Sentry...")
	FlushSentry()
}

// Info logs some info + timestamp, but does not send it to Sentry.
func Info(format string, v ...interface{}) {
	log.Print(fmt.Sprintf(format, v...))
}

// Error logs an error and sends it to Sentry.
func Error(err error) {
	errstr := fmt.Sprintf("ERROR: %s", err)
	log.Print(utils.ColorRed(errstr))
	if sentryTransport != nil {
		sentryTransport.send(err)
	}
}

// Warning logs an error in red text, like Error, but doesn't send it to
// Sentry — used for conditions the daemon can recover from on its own,
// such as a child process failing to respond to SIGINT before the
// shutdown timeout.
func Warning(err error) {
	str := fmt.Sprintf("WARNING: %s", err)
	log.Print(utils.ColorRed(str))
}

// Panic sends an error to Sentry and "pretends" to panic on it by printing
// the stack trace and calling the provided cancel function, so that every
// goroutine tied to globalCancel's context can shut down cleanly. Passing a
// nil globalCancel causes this function to actually panic instead.
func Panic(globalCancel context.CancelFunc, err error) {
	if sentryTransport != nil {
		sentryTransport.send(err)
	}
	PrintStackTrace()

	if globalCancel != nil {
		Error(err)
		globalCancel()
		return
	}

	FlushSentry()
	log.Panic(utils.ColorRed(fmt.Sprintf("PANIC: %s", err)))
}

// Infof is identical to Info, kept for symmetry with Errorf/Warningf/Panicf.
func Infof(format string, v ...interface{}) {
	Info(format, v...)
}

// Errorf is like Error, but takes a format string and arguments.
func Errorf(format string, v ...interface{}) {
	Error(utils.MakeError(format, v...))
}

// Warningf is like Warning, but takes a format string and arguments.
func Warningf(format string, v ...interface{}) {
	Warning(utils.MakeError(format, v...))
}

// Panicf is like Panic, but takes a format string and arguments.
func Panicf(globalCancel context.CancelFunc, format string, v ...interface{}) {
	Panic(globalCancel, utils.MakeError(format, v...))
}

// PrintStackTrace prints the stack trace, for debugging purposes.
func PrintStackTrace() {
	Info("Printing stack trace:")
	debug.PrintStack()
}
