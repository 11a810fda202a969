package worker

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// SessionInfo is a point-in-time view of one registry entry.
type SessionInfo struct {
	SessionID    string
	LastActivity time.Time
	Worker       *Worker
}

// entry fields are written under the registry mutex; ready is closed once the
// spawn attempt has finished and w/err are final.
type entry struct {
	ready  chan struct{}
	w      *Worker
	err    error
	pinned bool
}

// Registry maps session ids to workers. Map mutation is serialized by the
// registry mutex, which is never held across process spawning or any pipe I/O.
type Registry struct {
	log *zap.SugaredLogger
	cfg Config

	mu      sync.Mutex
	entries map[string]*entry
}

func NewRegistry(log *zap.SugaredLogger, cfg Config) *Registry {
	return &Registry{
		log:     log,
		cfg:     cfg,
		entries: make(map[string]*entry),
	}
}

// Resolve returns the session's worker, spawning one if the session has none.
// Concurrent resolves of the same new session id spawn exactly one process:
// the entry is claimed under the registry lock and latecomers block on the
// entry until the spawn finishes. A failed spawn detaches the entry so the
// next resolve can retry.
func (r *Registry) Resolve(sessionID string) (*Worker, error) {
	r.mu.Lock()
	e, ok := r.entries[sessionID]
	if !ok {
		e = &entry{ready: make(chan struct{})}
		r.entries[sessionID] = e
		r.mu.Unlock()

		r.log.Infow("spawning worker for session", "SessionID", sessionID)
		w, err := Spawn(r.log.Named("worker"), r.cfg)

		r.mu.Lock()
		e.w, e.err = w, err
		if err != nil && r.entries[sessionID] == e {
			delete(r.entries, sessionID)
		}
		r.mu.Unlock()
		close(e.ready)
	} else {
		r.mu.Unlock()
	}

	<-e.ready
	if e.err != nil {
		return nil, e.err
	}
	e.w.Touch()
	return e.w, nil
}

// Remove detaches the session's entry unconditionally. It does not terminate
// the worker; callers that detected a failure terminate first.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, sessionID)
}

// Evict detaches the session's entry only if it still holds w. This keeps a
// slow failure handler from detaching a replacement worker that another
// request provisioned in the meantime.
func (r *Registry) Evict(sessionID string, w *Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[sessionID]; ok && e.w == w {
		delete(r.entries, sessionID)
	}
}

// Pin exempts the session from idle reaping. Used for duplex sessions, whose
// lifetime is the connection's, not the idle timeout's.
func (r *Registry) Pin(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[sessionID]; ok {
		e.pinned = true
	}
}

// Snapshot returns a consistent view of the reapable sessions, ordered by id.
// Entries still mid-spawn and pinned entries are excluded.
func (r *Registry) Snapshot() []SessionInfo {
	r.mu.Lock()
	infos := make([]SessionInfo, 0, len(r.entries))
	for id, e := range r.entries {
		if e.w == nil || e.pinned {
			continue
		}
		infos = append(infos, SessionInfo{
			SessionID:    id,
			LastActivity: e.w.LastActivity(),
			Worker:       e.w,
		})
	}
	r.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].SessionID < infos[j].SessionID })
	return infos
}

// SessionIDs returns every registered session id, including pinned ones.
func (r *Registry) SessionIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// TerminateAll detaches every session and terminates the workers concurrently,
// so shutdown completes within roughly one grace period regardless of how many
// sessions are live.
func (r *Registry) TerminateAll(grace time.Duration) {
	r.mu.Lock()
	workers := make(map[string]*Worker, len(r.entries))
	for id, e := range r.entries {
		if e.w != nil {
			workers[id] = e.w
		}
	}
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	group := new(errgroup.Group)
	for id, w := range workers {
		id, w := id, w
		group.Go(func() error {
			w.Terminate(grace)
			r.log.Debugw("terminated worker at shutdown", "SessionID", id, "PID", w.PID())
			return nil
		})
	}
	group.Wait()
}
