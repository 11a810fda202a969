package worker

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Reaper periodically terminates workers that have been idle past the timeout,
// to bound the number of live processes. It never holds the registry lock
// while terminating; a request racing the reaper on the same session loses the
// worker mutex race and observes ErrWorkerExited, which the gateway turns into
// a server error. The session id itself stays usable.
type Reaper struct {
	log         *zap.SugaredLogger
	registry    *Registry
	interval    time.Duration
	idleTimeout time.Duration
	grace       time.Duration

	started   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	stopped   chan struct{}
}

func NewReaper(log *zap.SugaredLogger, registry *Registry, interval, idleTimeout, grace time.Duration) *Reaper {
	return &Reaper{
		log:         log,
		registry:    registry,
		interval:    interval,
		idleTimeout: idleTimeout,
		grace:       grace,
		done:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}
}

func (p *Reaper) Start() {
	p.startOnce.Do(func() {
		p.started.Store(true)
		go p.run()
	})
}

// Stop halts the reaper and waits for an in-flight scan to finish before
// returning, so no termination races process shutdown.
func (p *Reaper) Stop() {
	p.stopOnce.Do(func() { close(p.done) })
	if p.started.Load() {
		<-p.stopped
	}
}

func (p *Reaper) run() {
	defer close(p.stopped)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
		}
		p.reapIdle(time.Now())
	}
}

func (p *Reaper) reapIdle(now time.Time) {
	for _, info := range p.registry.Snapshot() {
		idle := now.Sub(info.LastActivity)
		if idle <= p.idleTimeout {
			continue
		}
		p.log.Infow("reaping idle worker", "SessionID", info.SessionID, "PID", info.Worker.PID(), "Idle", idle)
		info.Worker.Terminate(p.grace)
		p.registry.Evict(info.SessionID, info.Worker)
	}
}
