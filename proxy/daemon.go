package proxy // import "github.com/pgtemp/pgtemp/proxy"

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pgtemp/pgtemp/pgcluster"
	"github.com/pgtemp/pgtemp/pgcluster/dbadmin"
	"github.com/pgtemp/pgtemp/pgtemplogger"
	"github.com/pgtemp/pgtemp/utils"
)

// A Mode selects how the daemon produces the backing database for each
// accepted client connection.
type Mode int

const (
	// ModeNormal spawns one exclusive backing cluster per client connection.
	ModeNormal Mode = iota
	// ModeSingle serves every client connection from one shared backing
	// cluster, each assigned its own freshly created database.
	ModeSingle
)

// Config collects everything ListenAndServe needs, gathered the same way
// SpinUpMandelboxRequest gathers a request's fields before host-service.go
// acts on it.
type Config struct {
	Template *Template
	Mode     Mode

	Persist         bool
	ConfigParams    []pgcluster.ConfigParam
	LoadPath        string
	BootTimeout     time.Duration
	ShutdownTimeout time.Duration
	DataDirPrefix   string

	// DropOnSessionEnd, when true, makes single mode DROP DATABASE the
	// per-session database it created once that session's proxy loop
	// exits, instead of leaving it for the shared cluster's lifetime.
	// Fixed for the daemon's whole run so single mode's per-session
	// database lifecycle stays consistent across every connection it
	// serves. Defaults to false.
	DropOnSessionEnd bool
}

// A Daemon owns the public listener and every session spawned from it.
// Grounded on host-service.go's main(): a global ctx/cancel pair, a
// WaitGroup tracking every long-lived goroutine, and a single teardown path
// at the end of ListenAndServe that runs once the context is cancelled
// (by the caller or by Shutdown) and waits for the WaitGroup to drain.
type Daemon struct {
	cfg      Config
	listener net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	shutdownOnce sync.Once
	ready        chan struct{}
	readyOnce    sync.Once

	// Single-mode shared state. sharedOnce guards lazy construction of the
	// one long-lived backing cluster and its admin connection, and dbCounter
	// hands out the pgtemp_<N> database names spec.md §4.5 requires.
	sharedOnce    sync.Once
	sharedErr     error
	sharedCluster *pgcluster.Cluster
	admin         *dbadmin.Admin
	dbCounter     uint64
}

// New constructs a Daemon; it does not bind the listener until
// ListenAndServe is called.
func New(cfg Config) *Daemon {
	return &Daemon{cfg: cfg, ready: make(chan struct{})}
}

// Ready returns a channel that is closed once the listener is bound and
// ListenAndServe has entered its accept loop, for tests and health checks
// that need to know when it's safe to dial the daemon.
func (d *Daemon) Ready() <-chan struct{} {
	return d.ready
}

// Addr returns the bound listener's address. Only valid after Ready() is
// closed.
func (d *Daemon) Addr() net.Addr {
	return d.listener.Addr()
}

// ListenAndServe binds the daemon's listener at Template's host/port and
// runs the accept loop until ctx is cancelled or Shutdown is called. It
// blocks until every in-flight session has finished.
func (d *Daemon) ListenAndServe(ctx context.Context) error {
	d.ctx, d.cancel = context.WithCancel(ctx)

	addr := net.JoinHostPort(d.cfg.Template.Host, portToA(d.cfg.Template.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return pgclusterListenError(addr, err)
	}
	d.listener = listener
	pgtemplogger.Infof("proxy: listening on %s (mode=%s)", addr, d.cfg.Mode)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.acceptLoop()
	}()

	d.readyOnce.Do(func() { close(d.ready) })

	<-d.ctx.Done()
	d.shutdownOnce.Do(d.teardown)
	utils.WaitWithDebugPrints(&d.wg, 30*time.Second, 2)

	return nil
}

// Shutdown cancels the daemon's context, which makes ListenAndServe close
// the listener, tear down the shared cluster and every session's backing
// cluster, and wait for the sessions to end. Shutdown itself returns
// without waiting. Safe to call multiple times.
func (d *Daemon) Shutdown() {
	if d.cancel != nil {
		d.cancel()
	}
}

func (d *Daemon) teardown() {
	if d.listener != nil {
		_ = d.listener.Close()
	}
	if live := pgcluster.List(); len(live) > 0 {
		pgtemplogger.Warningf("proxy: shutting down with %d cluster(s) still tracked: %v", len(live), clusterIDs(live))
	}
	if d.sharedCluster != nil {
		if d.admin != nil {
			_ = d.admin.Close(context.Background())
		}
		d.sharedCluster.Shutdown()
	}
}

func (d *Daemon) acceptLoop() {
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			select {
			case <-d.ctx.Done():
				return
			default:
				pgtemplogger.Warningf("proxy: accept failed: %s", err)
				return
			}
		}

		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			defer conn.Close()
			d.handleConnection(conn)
		}()
	}
}

func (d *Daemon) handleConnection(conn net.Conn) {
	var err error
	switch d.cfg.Mode {
	case ModeSingle:
		err = d.handleSingle(conn)
	default:
		err = d.handleNormal(conn)
	}
	if err != nil {
		pgtemplogger.Warningf("proxy: %s: session ended with error: %s", conn.RemoteAddr(), err)
	}
}

// handleNormal implements spec.md §4.5's normal mode: a fresh, exclusive
// backing cluster per connection, owned by the session and torn down when
// it ends.
func (d *Daemon) handleNormal(conn net.Conn) error {
	b := pgcluster.NewBuilder().
		User(d.cfg.Template.User).
		DBName(d.cfg.Template.DBName).
		Persist(d.cfg.Persist).
		DataDirPrefix(d.cfg.DataDirPrefix)
	if d.cfg.Template.Password != "" {
		b.Password(d.cfg.Template.Password)
	}
	if d.cfg.BootTimeout > 0 {
		b.BootTimeout(d.cfg.BootTimeout)
	}
	if d.cfg.ShutdownTimeout > 0 {
		b.ShutdownTimeout(d.cfg.ShutdownTimeout)
	}
	for _, kv := range d.cfg.ConfigParams {
		b.ConfigParam(kv.Key, kv.Value)
	}
	if d.cfg.LoadPath != "" {
		b.DumpPath(d.cfg.LoadPath)
	}

	c, err := b.Start(d.ctx)
	if err != nil {
		return fmt.Errorf("%s: failed to boot backing cluster: %w", pgcluster.ErrBootFailed, err)
	}
	defer c.Shutdown()

	backend, err := dialBackend(d.ctx, c.Host(), c.Port())
	if err != nil {
		return fmt.Errorf("%s: %w", pgcluster.ErrProxyIO, err)
	}
	defer backend.Close()

	return splice(d.ctx, conn, backend)
}

// handleSingle implements spec.md §4.5's single mode: one shared backing
// cluster, a freshly CREATE DATABASE'd database per connection, and a
// rewritten startup packet directing the client at it instead of whatever
// database name it originally asked for.
func (d *Daemon) handleSingle(conn net.Conn) error {
	cluster, admin, err := d.ensureSharedCluster()
	if err != nil {
		return fmt.Errorf("%s: %w", pgcluster.ErrBootFailed, err)
	}

	dbNum := atomic.AddUint64(&d.dbCounter, 1)
	dbname := fmt.Sprintf("pgtemp_%d", dbNum)

	if err := admin.CreateDatabase(d.ctx, dbname, cluster.User()); err != nil {
		return fmt.Errorf("%s: %w", pgcluster.ErrBootFailed, err)
	}
	if d.cfg.DropOnSessionEnd {
		defer func() {
			if err := admin.DropDatabase(context.Background(), dbname); err != nil {
				pgtemplogger.Warningf("proxy: failed to drop session database %s: %s", dbname, err)
			}
		}()
	}

	sm, err := readStartupMessage(conn)
	if err != nil {
		return err
	}
	rewritten := rewriteDatabase(sm, dbname)

	backend, err := dialBackend(d.ctx, cluster.Host(), cluster.Port())
	if err != nil {
		return fmt.Errorf("%s: %w", pgcluster.ErrProxyIO, err)
	}
	defer backend.Close()

	if _, err := backend.Write(encodeStartupMessage(rewritten)); err != nil {
		return fmt.Errorf("%s: failed to forward rewritten startup packet: %w", pgcluster.ErrProxyIO, err)
	}

	return splice(d.ctx, conn, backend)
}

// ensureSharedCluster lazily boots the one long-lived backing cluster
// single mode needs, on first accept, and its dedicated admin connection.
func (d *Daemon) ensureSharedCluster() (*pgcluster.Cluster, *dbadmin.Admin, error) {
	d.sharedOnce.Do(func() {
		b := pgcluster.NewBuilder().
			User(d.cfg.Template.User).
			DBName(d.cfg.Template.DBName).
			Persist(d.cfg.Persist).
			DataDirPrefix(d.cfg.DataDirPrefix)
		if d.cfg.Template.Password != "" {
			b.Password(d.cfg.Template.Password)
		}
		if d.cfg.BootTimeout > 0 {
			b.BootTimeout(d.cfg.BootTimeout)
		}
		for _, kv := range d.cfg.ConfigParams {
			b.ConfigParam(kv.Key, kv.Value)
		}

		c, err := b.Start(d.ctx)
		if err != nil {
			d.sharedErr = err
			return
		}

		admin, err := dbadmin.Connect(d.ctx, c.ConnectionString())
		if err != nil {
			c.Shutdown()
			d.sharedErr = err
			return
		}

		d.sharedCluster = c
		d.admin = admin
	})

	return d.sharedCluster, d.admin, d.sharedErr
}

func (m Mode) String() string {
	if m == ModeSingle {
		return "single"
	}
	return "normal"
}

func pgclusterListenError(addr string, err error) error {
	return fmt.Errorf("%s: failed to listen on %s: %w", pgcluster.ErrPortUnavailable, addr, err)
}

func clusterIDs(clusters []*pgcluster.Cluster) []string {
	ids := make([]string, len(clusters))
	for i, c := range clusters {
		ids[i] = c.ID()
	}
	return ids
}
