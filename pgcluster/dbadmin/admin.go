/*
Package dbadmin wraps a single admin connection to a backing PostgreSQL
cluster used by the proxy daemon's single-mode, where every client session
gets its own freshly created database on one long-lived cluster instead of
its own cluster. Grounded on ecs-host-service/dbdriver's
pgxpool.ConnectConfig/goroutine-closes-on-ctx-done pattern, simplified from a
pool down to one mutex-guarded *pgx.Conn: single mode only ever needs one
CREATE DATABASE in flight at a time, and serializing them avoids surprising
concurrent-DDL behavior in PostgreSQL.
*/
package dbadmin // import "github.com/pgtemp/pgtemp/pgcluster/dbadmin"

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v4"

	"github.com/pgtemp/pgtemp/pgtemplogger"
)

// An Admin serializes administrative statements (CREATE DATABASE, DROP
// DATABASE) against one backing cluster on behalf of the proxy daemon's
// single mode.
type Admin struct {
	mu   sync.Mutex
	conn *pgx.Conn
}

// Connect opens the admin connection and spawns a goroutine that closes it
// once ctx is cancelled, mirroring the teacher's dbdriver.Initialize.
func Connect(ctx context.Context, connString string) (*Admin, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("dbadmin: failed to connect: %w", err)
	}

	a := &Admin{conn: conn}

	go func() {
		<-ctx.Done()
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.conn != nil {
			pgtemplogger.Infof("dbadmin: closing admin connection")
			_ = a.conn.Close(context.Background())
			a.conn = nil
		}
	}()

	return a, nil
}

// CreateDatabase issues CREATE DATABASE for name, owned by owner. name and
// owner are quoted and escaped as identifiers (pgx.Identifier.Sanitize)
// before being interpolated, since CREATE DATABASE takes no placeholder
// parameters in the PostgreSQL wire protocol.
func (a *Admin) CreateDatabase(ctx context.Context, name, owner string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.conn == nil {
		return fmt.Errorf("dbadmin: CreateDatabase called after Close")
	}

	stmt := fmt.Sprintf("CREATE DATABASE %s OWNER %s", pgx.Identifier{name}.Sanitize(), pgx.Identifier{owner}.Sanitize())
	if _, err := a.conn.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("dbadmin: CREATE DATABASE %q failed: %w", name, err)
	}
	return nil
}

// DropDatabase issues DROP DATABASE IF EXISTS for name, used by the proxy
// daemon's single mode to reclaim a per-session database once its session
// ends.
func (a *Admin) DropDatabase(ctx context.Context, name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.conn == nil {
		return fmt.Errorf("dbadmin: DropDatabase called after Close")
	}

	stmt := fmt.Sprintf("DROP DATABASE IF EXISTS %s WITH (FORCE)", pgx.Identifier{name}.Sanitize())
	if _, err := a.conn.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("dbadmin: DROP DATABASE %q failed: %w", name, err)
	}
	return nil
}

// Close closes the admin connection immediately, rather than waiting for
// the context passed to Connect to be cancelled.
func (a *Admin) Close(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.conn == nil {
		return nil
	}
	err := a.conn.Close(ctx)
	a.conn = nil
	return err
}
