// Package secrets holds the two secret scopes: process-wide deploy secrets
// loaded from the instance .env file, and per-worker ephemeral secrets that
// live only in memory for the lifetime of one session worker.
package secrets

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/joho/godotenv"
)

// Deploy is the hot-reloadable snapshot of deploy secrets. Readers get the
// current map without locking; Reload swaps the whole snapshot atomically.
type Deploy struct {
	path string
	snap atomic.Pointer[map[string]string]
}

// NewDeploy loads the .env file at path. A missing file yields an empty
// snapshot; any other parse error is returned.
func NewDeploy(path string) (*Deploy, error) {
	d := &Deploy{path: path}
	if err := d.Reload(); err != nil {
		return nil, err
	}
	return d, nil
}

// Reload re-reads the .env file and swaps the snapshot. Concurrent readers
// keep seeing the old map until the swap completes.
func (d *Deploy) Reload() error {
	values, err := godotenv.Read(d.path)
	if err != nil {
		if os.IsNotExist(err) {
			values = map[string]string{}
		} else {
			return fmt.Errorf("failed to read secrets file %s: %w", d.path, err)
		}
	}
	d.snap.Store(&values)
	return nil
}

// Snapshot returns the current deploy secret map. Callers must treat it as
// read-only; a reload replaces the pointer, never the map contents.
func (d *Deploy) Snapshot() map[string]string {
	return *d.snap.Load()
}

// Get returns one deploy secret value and whether it exists.
func (d *Deploy) Get(key string) (string, bool) {
	v, ok := d.Snapshot()[key]
	return v, ok
}

// Ephemeral is the per-worker secret set emitted by the planner. It is owned
// by exactly one session worker and is never persisted.
type Ephemeral struct {
	values map[string]string
}

// NewEphemeral returns an empty ephemeral set.
func NewEphemeral() *Ephemeral {
	return &Ephemeral{values: map[string]string{}}
}

// Set stores one ephemeral secret, overwriting any previous value.
func (e *Ephemeral) Set(key, value string) {
	e.values[key] = value
}

// Get returns one ephemeral secret value and whether it exists.
func (e *Ephemeral) Get(key string) (string, bool) {
	v, ok := e.values[key]
	return v, ok
}

// Subset returns a copy containing only the requested keys. Used to hand a
// skill exactly the session secrets its manifest declared.
func (e *Ephemeral) Subset(keys []string) map[string]string {
	out := map[string]string{}
	for _, k := range keys {
		if v, ok := e.values[k]; ok {
			out[k] = v
		}
	}
	return out
}

// Values returns every secret value currently known to both scopes: the
// deploy snapshot plus this worker's ephemeral set. This is the input the
// sanitizer scrubs against.
func (e *Ephemeral) Values(deploy *Deploy) []string {
	snap := deploy.Snapshot()
	out := make([]string, 0, len(snap)+len(e.values))
	for _, v := range snap {
		out = append(out, v)
	}
	for _, v := range e.values {
		out = append(out, v)
	}
	return out
}
