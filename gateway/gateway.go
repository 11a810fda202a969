package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"nhooyr.io/websocket"

	"github.com/linegate/linegate/config"
	"github.com/linegate/linegate/worker"
)

// SessionHeader carries the session id on unary and stream requests and
// responses. A request without it gets a freshly generated id, returned on the
// response so the caller can persist it.
const SessionHeader = "X-Session-ID"

// Gateway accepts unary, streaming, and duplex requests and forwards each to
// the session's worker process, serialized per session.
type Gateway struct {
	logger *zap.SugaredLogger
	cfg    config.Config

	registry   *worker.Registry
	reaper     *worker.Reaper
	httpServer *http.Server

	listenerMut sync.Mutex
	listener    net.Listener
}

type Option func(g *Gateway)

func WithLogger(l *zap.Logger) Option {
	return func(g *Gateway) {
		g.logger = l.Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(g *Gateway) {
		g.logger = g.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

func WithListenAddr(s string) Option {
	return func(g *Gateway) {
		g.cfg.ListenAddr = s
	}
}

// New constructs a gateway. The data directory is created if missing so
// workers can rely on it existing.
func New(cfg config.Config, opts ...Option) (*Gateway, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}

	g := &Gateway{
		logger: logger.Named("gateway").Sugar(),
		cfg:    cfg,
	}
	for _, o := range opts {
		o(g)
	}

	if err := g.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if err := os.MkdirAll(g.cfg.Worker.DataDir, 0777); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	wcfg := worker.Config{
		Command:        g.cfg.Worker.Command,
		DataDir:        g.cfg.Worker.DataDir,
		DataDirEnv:     g.cfg.Worker.DataDirEnv,
		StreamSentinel: g.cfg.Worker.StreamSentinel,
	}
	g.registry = worker.NewRegistry(g.logger.Named("registry"), wcfg)
	g.reaper = worker.NewReaper(
		g.logger.Named("reaper"),
		g.registry,
		g.cfg.ReapInterval.Duration,
		g.cfg.IdleTimeout.Duration,
		g.cfg.GracePeriod.Duration,
	)

	router := httprouter.New()
	router.GET("/healthz", g.health)
	router.POST("/stream/*path", g.stream)
	router.GET("/ws/*path", g.duplex)
	// httprouter cannot host a root catch-all next to the /stream and /ws
	// prefixes, so the unary handler takes everything the router doesn't claim.
	router.NotFound = http.HandlerFunc(g.unary)
	g.httpServer = &http.Server{Handler: router}

	return g, nil
}

// Run starts the idle reaper and serves HTTP until Shutdown. It returns nil
// when stopped by Shutdown.
func (g *Gateway) Run() error {
	listener, err := net.Listen("tcp", g.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", g.cfg.ListenAddr, err)
	}
	g.listenerMut.Lock()
	g.listener = listener
	g.listenerMut.Unlock()

	g.reaper.Start()
	g.logger.Infow("gateway listening", "Addr", listener.Addr().String(), "WorkerCommand", g.cfg.Worker.Command)

	err = g.httpServer.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Addr returns the bound listen address once Run has started, or nil.
func (g *Gateway) Addr() net.Addr {
	g.listenerMut.Lock()
	defer g.listenerMut.Unlock()
	if g.listener == nil {
		return nil
	}
	return g.listener.Addr()
}

// Shutdown stops the reaper (waiting out any in-flight scan), closes the HTTP
// server, and terminates every registered worker with the configured grace
// period. It returns once all workers are down or ctx expires.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.reaper.Stop()

	err := g.httpServer.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		g.registry.TerminateAll(g.cfg.GracePeriod.Duration)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("terminating workers: %w", ctx.Err())
	}

	g.logger.Info("gateway stopped")
	return err
}

// resolveSession returns the request's session id, generating one when the
// header is absent, along with the session's worker.
func (g *Gateway) resolveSession(r *http.Request) (string, *worker.Worker, error) {
	sessionID := r.Header.Get(SessionHeader)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	w, err := g.registry.Resolve(sessionID)
	return sessionID, w, err
}

// evict retires a session whose worker failed an exchange: the worker is
// terminated and the entry detached, so the next request for the same id gets
// a fresh process. Nothing is retried on the caller's behalf.
func (g *Gateway) evict(sessionID string, wk *worker.Worker) {
	wk.Terminate(g.cfg.GracePeriod.Duration)
	g.registry.Evict(sessionID, wk)
}

func readPayload(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, fmt.Sprintf("reading request body: %s", err), http.StatusBadRequest)
		return nil, false
	}
	if bytes.IndexByte(body, '\n') >= 0 {
		http.Error(w, "request payload must not contain newlines", http.StatusBadRequest)
		return nil, false
	}
	return body, true
}

// unary forwards one request line and answers with the worker's one response
// line. It is installed as the router's catch-all.
func (g *Gateway) unary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "only POST is supported", http.StatusMethodNotAllowed)
		return
	}

	body, ok := readPayload(w, r)
	if !ok {
		return
	}

	sessionID, wk, err := g.resolveSession(r)
	if err != nil {
		g.logger.Errorw("spawning worker failed", "SessionID", sessionID, "Error", err)
		http.Error(w, fmt.Sprintf("spawning worker: %s", err), http.StatusInternalServerError)
		return
	}

	line, err := wk.Exchange(body)
	if err != nil {
		g.logger.Warnw("exchange failed, evicting session", "SessionID", sessionID, "PID", wk.PID(), "Error", err)
		g.evict(sessionID, wk)
		http.Error(w, fmt.Sprintf("worker exchange failed: %s", err), http.StatusBadGateway)
		return
	}

	w.Header().Set(SessionHeader, sessionID)
	// A line that doesn't parse as JSON is passed through verbatim; it may be
	// diagnostic output the caller wants to see.
	if json.Valid(line) {
		w.Header().Set("Content-Type", "application/json")
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	w.Write(line)
}

// stream forwards one request line and relays every response line as its own
// flushed chunk until the worker signals end-of-response (sentinel) or exits.
func (g *Gateway) stream(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	body, ok := readPayload(w, r)
	if !ok {
		return
	}

	sessionID, wk, err := g.resolveSession(r)
	if err != nil {
		g.logger.Errorw("spawning worker failed", "SessionID", sessionID, "Error", err)
		http.Error(w, fmt.Sprintf("spawning worker: %s", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set(SessionHeader, sessionID)
	w.Header().Set("Content-Type", "application/jsonl")

	wrote := false
	err = wk.ExchangeStream(body, func(line []byte) error {
		if _, err := w.Write(append(line, '\n')); err != nil {
			return err
		}
		flusher.Flush()
		wrote = true
		return nil
	})
	if err != nil {
		g.logger.Warnw("stream exchange ended with error, evicting session", "SessionID", sessionID, "PID", wk.PID(), "Error", err)
		g.evict(sessionID, wk)
		if !wrote {
			http.Error(w, fmt.Sprintf("worker exchange failed: %s", err), http.StatusBadGateway)
		}
	}
}

// duplex bridges a WebSocket connection to a dedicated worker for the life of
// the connection. Each binary frame is one line in either direction. The
// session id is generated per connection, never client-supplied, and the
// session is pinned so the idle reaper leaves it alone.
func (g *Gateway) duplex(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		g.logger.Debugf("error accepting WebSocket conn: %s", err)
		return
	}

	sessionID := uuid.NewString()
	wk, err := g.registry.Resolve(sessionID)
	if err != nil {
		g.logger.Errorw("spawning worker failed", "SessionID", sessionID, "Error", err)
		wsConn.Close(websocket.StatusInternalError, "spawning worker failed")
		return
	}
	g.registry.Pin(sessionID)

	b := &duplexBridge{
		log:    g.logger.Named("duplex").With("SessionID", sessionID),
		ctx:    r.Context(),
		conn:   wsConn,
		worker: wk,
	}
	b.run()

	// Terminating the worker closes its stdout, which is what unblocks the
	// bridge's reader; only then is the session detached.
	wk.Terminate(g.cfg.GracePeriod.Duration)
	b.wait()
	g.registry.Evict(sessionID, wk)
	g.logger.Debugw("duplex session closed", "SessionID", sessionID)
}

func (g *Gateway) health(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	response := struct {
		Status         string
		ActiveSessions int
	}{
		Status:         "ok",
		ActiveSessions: g.registry.Len(),
	}
	b, err := json.Marshal(response)
	if err != nil {
		g.logger.Debugf("error marshaling health response: %s", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(b)
}
