package pgcluster // import "github.com/pgtemp/pgtemp/pgcluster"

import (
	"context"
	"time"
)

// ConfigParam is one postgresql.conf override or initdb argument. We keep an
// ordered slice rather than a map (as SpinUpMandelboxRequest collects its
// fields in struct-declaration order) so that postgresql.conf emission
// order is deterministic, which matters for dump/load round-tripping tests.
type ConfigParam struct {
	Key   string
	Value string
}

// A Builder is a plain value collector for the parameters of a Cluster,
// modeled on the field-collection style of SpinUpMandelboxRequest: callers
// chain With*-style setters, then call Start or StartAsync.
type Builder struct {
	user     string
	password string
	host     string
	port     uint16
	dbname   string
	persist  bool

	dataDirPrefix string
	dumpPath      string
	suUser        string
	authMode      string

	configParams []ConfigParam
	initdbArgs   []ConfigParam

	bootTimeout     time.Duration
	shutdownTimeout time.Duration
}

// NewBuilder returns a Builder pre-filled with spec.md's defaults: user
// "postgres", password "password", dbname "postgres", host "127.0.0.1", a
// random port, "trust" auth (loopback-only, appropriate for ephemeral test
// clusters), a 30s boot timeout and a 5s shutdown-before-SIGKILL timeout.
func NewBuilder() *Builder {
	return &Builder{
		user:            "postgres",
		password:        "password",
		host:            "127.0.0.1",
		dbname:          "postgres",
		authMode:        "trust",
		bootTimeout:     30 * time.Second,
		shutdownTimeout: 5 * time.Second,
	}
}

// User sets the superuser name initdb creates. Default "postgres".
func (b *Builder) User(user string) *Builder {
	b.user = user
	return b
}

// Password sets the superuser password. Default "password".
func (b *Builder) Password(password string) *Builder {
	b.password = password
	return b
}

// Port sets an explicit port; if left zero, one is allocated via portalloc.
func (b *Builder) Port(port uint16) *Builder {
	b.port = port
	return b
}

// Host overrides the loopback address postgres binds to. Default "127.0.0.1".
func (b *Builder) Host(host string) *Builder {
	b.host = host
	return b
}

// DBName sets the default database name. Default "postgres"; any other
// value triggers a createdb call during boot.
func (b *Builder) DBName(dbname string) *Builder {
	b.dbname = dbname
	return b
}

// Persist suppresses filesystem reclamation on shutdown when true.
func (b *Builder) Persist(persist bool) *Builder {
	b.persist = persist
	return b
}

// DataDirPrefix sets the parent directory under which the cluster's
// temporary data directory is created. Defaults to os.TempDir().
func (b *Builder) DataDirPrefix(prefix string) *Builder {
	b.dataDirPrefix = prefix
	return b
}

// DumpPath, if set, is loaded into the cluster's default database
// immediately after boot, via the same path LoadFrom uses.
func (b *Builder) DumpPath(path string) *Builder {
	b.dumpPath = path
	return b
}

// ConfigParam appends one postgresql.conf override. Composable: call it
// once per parameter.
func (b *Builder) ConfigParam(key, value string) *Builder {
	b.configParams = append(b.configParams, ConfigParam{Key: key, Value: value})
	return b
}

// InitdbArg appends one `initdb` command-line argument of the form
// --key=value, e.g. InitdbArg("encoding", "UTF8") or InitdbArg("locale",
// "C"). Distinct from ConfigParam: these affect cluster creation, not the
// running server's postgresql.conf.
func (b *Builder) InitdbArg(key, value string) *Builder {
	b.initdbArgs = append(b.initdbArgs, ConfigParam{Key: key, Value: value})
	return b
}

// SuUser names a non-root user to run initdb/postgres as via `sudo -u`, when
// the calling process itself is running as root. Without this set, Start
// fails with ErrRootNotAllowed when running as UID 0.
func (b *Builder) SuUser(user string) *Builder {
	b.suUser = user
	return b
}

// AuthMode overrides the --auth mode passed to initdb. Default "trust".
func (b *Builder) AuthMode(mode string) *Builder {
	b.authMode = mode
	return b
}

// BootTimeout overrides the default 30s wall-clock budget for readiness.
func (b *Builder) BootTimeout(d time.Duration) *Builder {
	b.bootTimeout = d
	return b
}

// ShutdownTimeout overrides the default 5s wait before SIGKILL escalation.
func (b *Builder) ShutdownTimeout(d time.Duration) *Builder {
	b.shutdownTimeout = d
	return b
}

// Start synchronously runs the boot sequence and returns a Ready Cluster, or
// an error if any step failed. On any failure, partial artifacts (spawned
// initdb, spawned postgres, created directory) are reclaimed before Start
// returns — there is no half-booted Cluster to leak.
func (b *Builder) Start(ctx context.Context) (*Cluster, error) {
	return newCluster(ctx, b)
}

// asyncSlots bounds how many boots run concurrently off StartAsync, playing
// the role of the dedicated blocking thread-pool spec.md's async variant
// requires so that process-spawn and waitpid calls never block a cooperative
// scheduler. Sized generously since boot is I/O- and fork/exec-bound, not
// CPU-bound.
var asyncSlots = make(chan struct{}, 32)

// StartFuture is returned by StartAsync; callers Wait() on it to block until
// the boot sequence (run on a blocking-capable goroutine) completes.
type StartFuture struct {
	done chan struct{}
	c    *Cluster
	err  error
}

// Wait blocks until the boot sequence started by StartAsync completes, or
// ctx is cancelled first (in which case the boot continues in the
// background and its eventual result, if any, is discarded by the caller's
// perspective — Start's own transactional cleanup still applies).
func (f *StartFuture) Wait(ctx context.Context) (*Cluster, error) {
	select {
	case <-f.done:
		return f.c, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// StartAsync performs the same boot sequence as Start, but off a
// blocking-capable goroutine pulled from a bounded pool, returning
// immediately with a StartFuture.
func (b *Builder) StartAsync(ctx context.Context) *StartFuture {
	f := &StartFuture{done: make(chan struct{})}

	go func() {
		asyncSlots <- struct{}{}
		defer func() { <-asyncSlots }()

		defer close(f.done)
		f.c, f.err = newCluster(ctx, b)
	}()

	return f
}
