package pgcluster // import "github.com/pgtemp/pgtemp/pgcluster"

import (
	"context"

	"github.com/pgtemp/pgtemp/pgcluster/dumputil"
)

func (c *Cluster) connInfo() dumputil.ConnInfo {
	return dumputil.ConnInfo{
		Host:     c.host,
		Port:     c.port,
		User:     c.user,
		Password: c.password,
		DBName:   c.dbname,
	}
}

// DumpTo invokes pg_dump against the cluster's default database and writes
// the result to path. The cluster must be Ready; callers must not mutate
// schema concurrently, since DumpTo takes no internal lock.
func (c *Cluster) DumpTo(ctx context.Context, path string) error {
	if c.State() != StateReady {
		return newError(ErrDumpFailed, "DumpTo called on cluster %s in state %s, not Ready", c.id, c.State())
	}
	if err := dumputil.Dump(ctx, c.connInfo(), path); err != nil {
		return wrapError(ErrDumpFailed, err, "dump to %s failed", path)
	}
	return nil
}

// LoadFrom replays path (SQL text, a plain dump, or a custom-format binary
// archive) into the cluster's default database via psql/pg_restore. The
// cluster must be Ready, or Booting (the state in which the builder's
// DumpPath is loaded during boot).
func (c *Cluster) LoadFrom(ctx context.Context, path string) error {
	if c.State() != StateReady && c.State() != StateBooting {
		return newError(ErrLoadFailed, "LoadFrom called on cluster %s in state %s", c.id, c.State())
	}
	if err := dumputil.Load(ctx, c.connInfo(), path); err != nil {
		return wrapError(ErrLoadFailed, err, "load from %s failed", path)
	}
	return nil
}
