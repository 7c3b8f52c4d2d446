/*
Package pgcluster provisions ephemeral PostgreSQL clusters: a temporary data
directory plus a running `postgres` child process, with guaranteed teardown.
*/
package pgcluster // import "github.com/pgtemp/pgtemp/pgcluster"

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/pgtemp/pgtemp/pgcluster/portalloc"
	"github.com/pgtemp/pgtemp/pgtemplogger"
	"github.com/pgtemp/pgtemp/utils"
)

// A State is one node in the Cluster lifecycle state machine. Only Ready
// admits user operations: ConnectionURI and Shutdown are safe from any
// state, DumpTo requires Ready, and LoadFrom also accepts Booting so that a
// builder-supplied dump can be loaded during boot.
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateBooting
	StateReady
	StateShuttingDown
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "Uninitialized"
	case StateInitializing:
		return "Initializing"
	case StateBooting:
		return "Booting"
	case StateReady:
		return "Ready"
	case StateShuttingDown:
		return "ShuttingDown"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// A Cluster represents exactly one live PostgreSQL cluster: one temp
// directory, one running `postgres` child, and the credentials needed to
// connect to it. The embedded ctx/cancel pair and the cleanup goroutine
// spawned in newCluster are grounded directly on mandelboxData's lifecycle:
// either an explicit Shutdown() or cancellation of ctx triggers the same
// idempotent teardown.
type Cluster struct {
	ctx    context.Context
	cancel context.CancelFunc

	id string

	rwlock sync.RWMutex
	state  State

	dataDir  string
	host     string
	port     uint16
	user     string
	password string
	dbname   string
	persist  bool

	configOverrides []ConfigParam

	child *os.Process

	shutdownTimeout time.Duration
	shutdownOnce    sync.Once
}

// ID returns a unique identifier for this cluster, suitable for log
// correlation and the process-wide registry in registry.go.
func (c *Cluster) ID() string {
	return c.id
}

// State returns the cluster's current lifecycle state.
func (c *Cluster) State() State {
	c.rwlock.RLock()
	defer c.rwlock.RUnlock()
	return c.state
}

func (c *Cluster) setState(s State) {
	c.rwlock.Lock()
	defer c.rwlock.Unlock()
	c.state = s
}

// DataDir returns the absolute path to the cluster's data directory.
func (c *Cluster) DataDir() string {
	c.rwlock.RLock()
	defer c.rwlock.RUnlock()
	return c.dataDir
}

// Host returns the loopback address the server is bound to.
func (c *Cluster) Host() string {
	return c.host
}

// Port returns the TCP port the server is listening on.
func (c *Cluster) Port() uint16 {
	return c.port
}

// User returns the superuser name created by initdb.
func (c *Cluster) User() string {
	return c.user
}

// DBName returns the default database name.
func (c *Cluster) DBName() string {
	return c.dbname
}

// ConnectionURI returns a postgresql:// URI a client can use to connect
// immediately.
func (c *Cluster) ConnectionURI() string {
	return fmt.Sprintf("postgresql://%s:%s@%s:%d/%s", c.user, c.password, c.host, c.port, c.dbname)
}

// ConnectionString returns a libpq keyword/value connection string
// equivalent to ConnectionURI.
func (c *Cluster) ConnectionString() string {
	return fmt.Sprintf("user=%s password=%s host=%s port=%d dbname=%s", c.user, c.password, c.host, c.port, c.dbname)
}

// String renders the cluster without the password, grounded on `impl Debug
// for PgTempDB` in the original implementation this spec was distilled
// from.
func (c *Cluster) String() string {
	return fmt.Sprintf("Cluster{id=%s host=%s port=%d dbname=%s data_dir=%s persist=%v}",
		c.id, c.host, c.port, c.dbname, c.DataDir(), c.persist)
}

// newCluster runs the boot sequence (spec.md §4.2) and returns a Ready
// Cluster, or cleans up and returns an error. It is the implementation
// behind both Builder.Start and Builder.StartAsync.
func newCluster(parentCtx context.Context, b *Builder) (*Cluster, error) {
	if err := checkRootSafety(b.suUser); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(parentCtx)

	c := &Cluster{
		ctx:             ctx,
		cancel:          cancel,
		id:              uuid.NewString(),
		state:           StateInitializing,
		host:            b.host,
		user:            b.user,
		password:        b.password,
		dbname:          b.dbname,
		persist:         b.persist,
		configOverrides: b.configParams,
		shutdownTimeout: b.shutdownTimeout,
	}

	track(c)

	// Transactional cleanup: if anything below fails, reclaim whatever
	// partial artifacts exist (directory, spawned initdb, spawned postgres)
	// before returning the error, and untrack the handle so it doesn't leak
	// into List().
	succeeded := false
	defer func() {
		if !succeeded {
			c.terminate(true)
		}
	}()

	bootCtx, bootCancel := context.WithTimeout(ctx, b.bootTimeout)
	defer bootCancel()

	dataDir, err := makeDataDir(b.dataDirPrefix)
	if err != nil {
		return nil, wrapError(ErrSetupFailed, err, "failed to create temp data directory")
	}
	c.dataDir = dataDir

	port := b.port
	if port == 0 {
		port, err = portalloc.Reserve()
		if err != nil {
			return nil, wrapError(ErrPortUnavailable, err, "failed to reserve a port")
		}
	}
	c.port = port

	if err := c.runInitdb(bootCtx, b); err != nil {
		return nil, err
	}

	if err := c.writeConfigOverrides(); err != nil {
		return nil, err
	}

	c.setState(StateBooting)
	if err := c.spawnPostgres(b); err != nil {
		return nil, err
	}

	if err := c.waitForReady(bootCtx); err != nil {
		return nil, err
	}

	if c.dbname != "postgres" {
		if err := c.createDatabase(bootCtx, c.dbname); err != nil {
			return nil, err
		}
	}

	if b.dumpPath != "" {
		if err := c.LoadFrom(bootCtx, b.dumpPath); err != nil {
			return nil, err
		}
	}

	c.setState(StateReady)
	succeeded = true

	// Grounded on the cleanup goroutine mandelbox.New spawns to free
	// resources as soon as ctx is cancelled, whether by Shutdown() or by
	// the caller's own parent context going away.
	go func() {
		<-c.ctx.Done()
		c.terminate(false)
	}()

	return c, nil
}

func checkRootSafety(suUser string) error {
	if syscall.Geteuid() != 0 {
		return nil
	}
	if suUser == "" {
		return newError(ErrRootNotAllowed, "refusing to boot postgres as root without an su user override")
	}
	return nil
}

func makeDataDir(prefix string) (string, error) {
	if prefix != "" {
		if err := os.MkdirAll(prefix, 0o755); err != nil {
			return "", err
		}
	}
	dir, err := os.MkdirTemp(prefix, "pgtemp-")
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "pg_data_dir"), nil
}

// command builds an *exec.Cmd for the given program, wrapping it in `sudo -u
// <suUser>` when the cluster needs to drop privileges to boot as a non-root
// user, mirroring get_command()'s sudo-wrapping in the original
// implementation's run_db.rs.
func (c *Cluster) command(ctx context.Context, suUser, name string, args ...string) *exec.Cmd {
	if suUser != "" {
		fullArgs := append([]string{"-u", suUser, name}, args...)
		return exec.CommandContext(ctx, "sudo", fullArgs...)
	}
	return exec.CommandContext(ctx, name, args...)
}

func (c *Cluster) runInitdb(ctx context.Context, b *Builder) error {
	pwFile := filepath.Join(filepath.Dir(c.dataDir), "pwfile")
	if err := os.WriteFile(pwFile, []byte(c.password), 0o600); err != nil {
		return wrapError(ErrSetupFailed, err, "failed to write initdb pwfile")
	}

	args := []string{
		"-D", c.dataDir,
		"--no-sync",
		"--username=" + c.user,
		"--pwfile=" + pwFile,
		"--auth=" + b.authMode,
	}
	for _, kv := range b.initdbArgs {
		args = append(args, fmt.Sprintf("--%s=%s", kv.Key, kv.Value))
	}

	cmd := c.command(ctx, b.suUser, "initdb", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return wrapError(ErrSetupFailed, err, "initdb failed: %s", out)
	}
	return nil
}

// writeConfigOverrides appends the builder's ordered config_params to
// postgresql.conf, one `key = 'value'` line each, before the server starts.
func (c *Cluster) writeConfigOverrides() error {
	if len(c.configOverrides) == 0 {
		return nil
	}

	confPath := filepath.Join(c.dataDir, "postgresql.conf")
	f, err := os.OpenFile(confPath, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return wrapError(ErrSetupFailed, err, "failed to open postgresql.conf for config overrides")
	}
	defer f.Close()

	for _, kv := range c.configOverrides {
		if _, err := fmt.Fprintf(f, "%s = '%s'\n", kv.Key, kv.Value); err != nil {
			return wrapError(ErrSetupFailed, err, "failed to write config override %s", kv.Key)
		}
	}
	return nil
}

func (c *Cluster) spawnPostgres(b *Builder) error {
	args := []string{
		"-D", c.dataDir,
		"-p", fmt.Sprintf("%d", c.port),
		"-h", c.host,
		"-F",
	}
	cmd := c.command(c.ctx, b.suUser, "postgres", args...)
	cmd.Stdout = nil
	cmd.Stderr = nil
	// Cancelling c.ctx (as Shutdown does) requests a fast shutdown rather
	// than the SIGKILL exec.CommandContext sends by default; terminate
	// escalates to SIGKILL itself after the shutdown timeout.
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }

	if err := cmd.Start(); err != nil {
		return wrapError(ErrBootFailed, err, "failed to start postgres. Is it installed and on PATH?")
	}
	c.child = cmd.Process

	// Reap the child as soon as it exits. If the backend exits before we
	// ever observe readiness, waitForReady's liveness check then sees the
	// process as finished and fails with BootFailed rather than spinning
	// until its timeout.
	go func() {
		_, _ = cmd.Process.Wait()
	}()

	return nil
}

// waitForReady polls the server with a pg_isready-equivalent TCP-connect
// probe (probeReady), with exponential backoff starting at ~20ms and capped
// at ~200ms, as required by spec.md §4.2 step 5. It fails with BootFailed
// as soon as the child process is seen to have exited.
func (c *Cluster) waitForReady(ctx context.Context) error {
	backoff := 20 * time.Millisecond
	const maxBackoff = 200 * time.Millisecond

	for {
		if probeReady(c.host, c.port) {
			return nil
		}
		if c.child != nil {
			if err := c.child.Signal(syscall.Signal(0)); err != nil {
				return wrapError(ErrBootFailed, err, "postgres exited before becoming ready")
			}
		}

		select {
		case <-ctx.Done():
			return wrapError(ErrTimeout, ctx.Err(), "postgres did not become ready within the boot timeout")
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// probeReady performs a TCP-connect readiness probe equivalent to
// `pg_isready -h host -p port`, avoiding a dependency on pg_isready being
// specifically on PATH beyond what postgres itself already requires.
func probeReady(host string, port uint16) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", host, port), 200*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func (c *Cluster) createDatabase(ctx context.Context, dbname string) error {
	cmd := exec.CommandContext(ctx, "createdb",
		"--host", c.host,
		"--port", fmt.Sprintf("%d", c.port),
		"--username", c.user,
		"--no-password",
		dbname,
	)
	cmd.Env = append(os.Environ(), "PGPASSWORD="+c.password)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return wrapError(ErrBootFailed, err, "createdb failed for database %q: %s", dbname, out)
	}
	return nil
}

// Shutdown consumes the handle: it sends the stop signal, waits for the
// child to exit, and deletes data_dir unless persist is set. It is
// idempotent and safe to call multiple times or from destructor-equivalent
// paths (since Go has none, callers are expected to `defer c.Shutdown()`).
func (c *Cluster) Shutdown() {
	c.cancel()
	c.shutdownOnce.Do(func() {
		c.terminate(false)
	})
}

// terminate is the single idempotent teardown path, reached either via
// Shutdown(), via the ctx.Done() cleanup goroutine spawned in newCluster, or
// via newCluster's own failure defer. It always reaps c.child first when one
// is running: newCluster's failure path can fail after spawnPostgres has
// already started the server (waitForReady, createDatabase, or LoadFrom
// failing), in which case there is a live orphan postgres holding c.port and
// writing into c.dataDir, and skipping the kill here would delete its data
// directory and free its port while it's still bound to them.
// forceCleanupOnly only suppresses the warning-level logging around
// escalation, since newCluster's failure path hasn't reached StateReady and
// a SIGKILL there is expected, not exceptional.
func (c *Cluster) terminate(forceCleanupOnly bool) {
	c.rwlock.Lock()
	if c.state == StateTerminated {
		c.rwlock.Unlock()
		return
	}
	c.state = StateShuttingDown
	c.rwlock.Unlock()

	untrack(c)

	if c.child != nil {
		if err := c.child.Signal(os.Interrupt); err != nil && !forceCleanupOnly {
			pgtemplogger.Warningf("cluster %s: failed to send SIGINT to postgres: %s", c.id, err)
		}

		done := make(chan struct{})
		go func() {
			c.child.Wait()
			close(done)
		}()

		timer := time.NewTimer(c.shutdownOrDefault())
		select {
		case <-done:
			utils.StopAndDrainTimer(timer)
		case <-timer.C:
			if err := c.child.Kill(); err != nil && !forceCleanupOnly {
				pgtemplogger.Warningf("cluster %s: failed to SIGKILL postgres after shutdown timeout: %s", c.id, err)
			}
			<-done
		}
	}

	if !c.persist && c.dataDir != "" {
		if err := os.RemoveAll(filepath.Dir(c.dataDir)); err != nil {
			pgtemplogger.Warningf("cluster %s: failed to remove data directory %s: %s", c.id, c.dataDir, err)
		}
	}

	if c.port != 0 {
		portalloc.Release(c.port)
	}

	c.rwlock.Lock()
	c.state = StateTerminated
	c.rwlock.Unlock()
}

func (c *Cluster) shutdownOrDefault() time.Duration {
	if c.shutdownTimeout <= 0 {
		return 5 * time.Second
	}
	return c.shutdownTimeout
}
