// Package lease implements the lease controller: the optimistic-concurrency
// state machine binding a tool call to a baseline repository fingerprint and
// an accumulating touched-file set. Mutations serialize per lease; reads may
// proceed concurrently with other reads.
package lease

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"cellar/internal/fingerprint"
	"cellar/internal/rpcerr"
	"cellar/internal/store"
)

type leaseState struct {
	baseFingerprint fingerprint.Fingerprint
	repoRoot        string
	touched         map[string]struct{}
}

// Controller issues, validates, and touches leases. Persistence to the
// metadata store is best-effort; the in-memory map is authoritative and no
// revoked/expired state is externally visible in-process.
type Controller struct {
	mu      sync.RWMutex
	leases  map[string]*leaseState
	persist *store.Store // nil disables persistence mirroring
}

// New builds a Controller. persist may be nil to disable lease persistence.
func New(persist *store.Store) *Controller {
	return &Controller{
		leases:  make(map[string]*leaseState),
		persist: persist,
	}
}

// Issue creates a fresh lease bound to fp and returns its id.
func (c *Controller) Issue(repoRoot string, fp fingerprint.Fingerprint) string {
	id := uuid.NewString()

	c.mu.Lock()
	c.leases[id] = &leaseState{baseFingerprint: fp, repoRoot: repoRoot, touched: make(map[string]struct{})}
	c.mu.Unlock()

	c.mirror(id)
	return id
}

// FingerprintOf returns the fingerprint a lease was issued against.
func (c *Controller) FingerprintOf(id string) (fingerprint.Fingerprint, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.leases[id]
	if !ok {
		return fingerprint.Fingerprint{}, false
	}
	return st.baseFingerprint, true
}

// Touch unions paths into the lease's touched set.
func (c *Controller) Touch(id string, paths ...string) bool {
	c.mu.Lock()
	st, ok := c.leases[id]
	if ok {
		for _, p := range paths {
			st.touched[p] = struct{}{}
		}
	}
	c.mu.Unlock()

	if ok {
		c.mirror(id)
	}
	return ok
}

// Touched returns the lease's touched-set in lexicographic order.
func (c *Controller) Touched(id string) ([]string, bool) {
	c.mu.RLock()
	st, ok := c.leases[id]
	var out []string
	if ok {
		out = make([]string, 0, len(st.touched))
		for p := range st.touched {
			out = append(out, p)
		}
	}
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	sort.Strings(out)
	return out, true
}

// Validate recomputes the current fingerprint for repoRoot and compares it
// against the lease's base fingerprint. Returns a *rpcerr.Error with code
// NotFound if id is unknown, or StaleLease (carrying the current
// fingerprint as Data) if the repository has moved on.
func (c *Controller) Validate(ctx context.Context, id string, repoRoot string) error {
	c.mu.RLock()
	st, ok := c.leases[id]
	base := fingerprint.Fingerprint{}
	if ok {
		base = st.baseFingerprint
	}
	c.mu.RUnlock()

	if !ok {
		return rpcerr.New(rpcerr.NotFound, "lease not found: "+id)
	}

	current, err := fingerprint.Probe(ctx, repoRoot)
	if err != nil {
		return err
	}
	if !current.Equal(base) {
		return rpcerr.New(rpcerr.StaleLease, "lease is stale: repository state changed").
			WithData(map[string]any{"lease_id": id, "current_fingerprint": current})
	}
	return nil
}

func (c *Controller) mirror(id string) {
	if c.persist == nil {
		return
	}
	c.mu.RLock()
	st, ok := c.leases[id]
	var fpJSON []byte
	var touched []string
	if ok {
		fpJSON, _ = st.baseFingerprint.Canonical()
		touched = make([]string, 0, len(st.touched))
		for p := range st.touched {
			touched = append(touched, p)
		}
		sort.Strings(touched)
	}
	repoRoot := ""
	if ok {
		repoRoot = st.repoRoot
	}
	c.mu.RUnlock()
	if !ok {
		return
	}

	touchedJSON, err := json.Marshal(touched)
	if err != nil {
		return
	}
	_ = c.persist.PutLease(store.LeaseRow{
		LeaseID:         id,
		RepoRoot:        repoRoot,
		FingerprintJSON: string(fpJSON),
		TouchedJSON:     string(touchedJSON),
		IssuedAt:        time.Now().Unix(),
	})
}
