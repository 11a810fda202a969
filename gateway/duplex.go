package gateway

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/linegate/linegate/worker"
)

// duplexBridge forwards lines between one WebSocket connection and one worker.
// A single background goroutine owns the worker's output and relays each line
// as a binary frame; inbound frames take the worker's mutex only long enough
// to write one line. There is no per-request locking beyond that: the
// connection is the one logical request, so no competing writer exists.
type duplexBridge struct {
	log    *zap.SugaredLogger
	ctx    context.Context
	conn   *websocket.Conn
	worker *worker.Worker

	readerDone    chan struct{}
	closeConnOnce sync.Once
}

// run forwards frames until either side closes, then returns. The worker's
// reader goroutine may still be blocked on the pipe; the caller terminates the
// worker to unblock it and then calls wait.
func (b *duplexBridge) run() {
	b.readerDone = make(chan struct{})
	go b.forwardWorkerOutput()
	b.readClientFrames()
}

// wait blocks until the worker-output reader has exited. Callers must
// terminate the worker first, otherwise a reader blocked on a quiet worker
// would never return.
func (b *duplexBridge) wait() {
	<-b.readerDone
}

func (b *duplexBridge) close(code websocket.StatusCode, reason string) {
	b.closeConnOnce.Do(func() {
		if err := b.conn.Close(code, reason); err != nil {
			b.log.Debugf("error closing conn: %s", err)
		}
	})
}

// forwardWorkerOutput relays every worker output line to the client. It owns
// the worker's read side exclusively for the connection's lifetime.
func (b *duplexBridge) forwardWorkerOutput() {
	defer close(b.readerDone)

	for {
		line, err := b.worker.ReadLine()
		if err != nil {
			if b.worker.Closing() {
				b.log.Debug("worker output closed during teardown")
				b.close(websocket.StatusNormalClosure, "")
			} else {
				b.log.Debugf("worker output read error: %s", err)
				b.close(websocket.StatusInternalError, "worker exited")
			}
			return
		}
		b.worker.Touch()
		if err := b.conn.Write(b.ctx, websocket.MessageBinary, line); err != nil {
			b.log.Debugf("error forwarding worker line to client: %s", err)
			return
		}
	}
}

// readClientFrames relays every inbound frame to the worker's stdin. It
// returns when the client closes, the connection errors, or a write to the
// worker fails.
func (b *duplexBridge) readClientFrames() {
	for {
		_, data, err := b.conn.Read(b.ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				b.log.Debug("got normal closure from client, wrapping up")
			} else {
				b.log.Debugf("client read error: %s", err)
			}
			b.close(websocket.StatusNormalClosure, "")
			return
		}
		b.worker.Touch()
		if err := b.worker.WriteLine(data); err != nil {
			b.log.Debugf("error forwarding client frame to worker: %s", err)
			b.close(websocket.StatusInternalError, "worker write failed")
			return
		}
	}
}
