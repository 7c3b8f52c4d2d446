package pgcluster // import "github.com/pgtemp/pgtemp/pgcluster"

import "sync"

// This file tracks all live Cluster handles process-wide, grounded on
// trackMandelbox/untrackMandelbox in the teacher's mandelbox package: we
// need to enumerate live clusters (the proxy daemon warns about any still
// tracked at shutdown), and we can, since the underlying Cluster type can
// only be constructed via newCluster.

var (
	registry     = make(map[string]*Cluster)
	registryLock sync.RWMutex
)

func track(c *Cluster) {
	registryLock.Lock()
	defer registryLock.Unlock()
	registry[c.id] = c
}

func untrack(c *Cluster) {
	registryLock.Lock()
	defer registryLock.Unlock()
	delete(registry, c.id)
}

// List returns every Cluster handle currently live in this process. Tests
// use it to assert "no leaked clusters" at suite teardown; the daemon uses
// it to log a warning naming any clusters still tracked when it shuts down.
func List() []*Cluster {
	registryLock.RLock()
	defer registryLock.RUnlock()

	out := make([]*Cluster, 0, len(registry))
	for _, c := range registry {
		out = append(out, c)
	}
	return out
}
