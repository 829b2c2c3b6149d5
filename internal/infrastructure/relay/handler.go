package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"relaycast/internal/core/domain"
	"relaycast/internal/core/ports"
	"relaycast/internal/infrastructure/monitoring"
	"relaycast/internal/infrastructure/transcoder"

	"go.uber.org/zap"
)

// Per-connection relay states: Idle -> Starting -> Live -> {Stopping, Errored} -> Idle.
type handlerState int

const (
	stateIdle handlerState = iota
	stateStarting
	stateLive
	stateStopping
	stateErrored
)

func (s handlerState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateStarting:
		return "starting"
	case stateLive:
		return "live"
	case stateStopping:
		return "stopping"
	case stateErrored:
		return "errored"
	}
	return "unknown"
}

// EventSink delivers server-side events back to the publishing client.
type EventSink interface {
	SendEvent(event string, payload interface{}) error
}

// chunkQueueSize bounds how many chunks may sit between the connection
// loop and the transcoder pipe. Overflow ends the session instead of
// buffering without limit.
const chunkQueueSize = 64

// chunkWriter decouples the connection event loop from the transcoder
// pipe: writes happen on a dedicated goroutine behind a bounded queue, so
// a stalled pipe can never wedge the loop or the disconnect teardown.
type chunkWriter struct {
	adapter ports.Transcoder

	queue    chan []byte
	stop     chan struct{}
	stopOnce sync.Once
}

func newChunkWriter(adapter ports.Transcoder) *chunkWriter {
	return &chunkWriter{
		adapter: adapter,
		queue:   make(chan []byte, chunkQueueSize),
		stop:    make(chan struct{}),
	}
}

// enqueue hands one chunk to the writer without blocking; false means the
// queue is full.
func (w *chunkWriter) enqueue(chunk []byte) bool {
	select {
	case w.queue <- chunk:
		return true
	default:
		return false
	}
}

// close stops the writer. Chunks still queued are dropped: the session is
// ending and no further writes may be attempted.
func (w *chunkWriter) close() {
	w.stopOnce.Do(func() { close(w.stop) })
}

// run drains the queue into the adapter until stopped or a write fails.
func (w *chunkWriter) run(onWritten func(n int), onFailure func(err error)) {
	for {
		select {
		case <-w.stop:
			return
		case chunk := <-w.queue:
			if err := w.adapter.Write(chunk); err != nil {
				onFailure(err)
				return
			}
			onWritten(len(chunk))
		}
	}
}

// StartRequest is the decoded startStream payload. The secret may be given
// directly, as a custom endpoint for platform=custom, or indirectly by the
// referenced session record.
type StartRequest struct {
	SessionID      string `json:"sessionId"`
	Platform       string `json:"platform"`
	Quality        string `json:"quality"`
	Secret         string `json:"secret,omitempty"`
	CustomEndpoint string `json:"customEndpoint,omitempty"`
}

// ConnHandler orchestrates one publisher connection: it drives at most one
// transcoder adapter, keeps the session registry in sync, and owns the
// consolidated teardown used by explicit stop, disconnect and adapter
// failure alike.
type ConnHandler struct {
	connID    string
	sessions  ports.SessionService
	endpoints ports.EndpointService
	factory   ports.TranscoderFactory
	collector *monitoring.PrometheusCollector
	sink      EventSink
	logger    *zap.SugaredLogger

	mu         sync.Mutex
	state      handlerState
	sessionID  domain.SessionID
	adapter    ports.Transcoder
	writer     *chunkWriter
	generation uint64
	startedAt  time.Time
	lastHint   string

	// pendingExit records an adapter exit that fired while the start
	// sequence was still in flight; the start path finalizes it instead of
	// going live on a dead adapter.
	pendingExit *int
}

func NewConnHandler(
	connID string,
	sessions ports.SessionService,
	endpoints ports.EndpointService,
	factory ports.TranscoderFactory,
	collector *monitoring.PrometheusCollector,
	sink EventSink,
	logger *zap.SugaredLogger,
) *ConnHandler {
	return &ConnHandler{
		connID:    connID,
		sessions:  sessions,
		endpoints: endpoints,
		factory:   factory,
		collector: collector,
		sink:      sink,
		logger:    logger.With("conn_id", connID),
	}
}

// adapterObserver routes subprocess events back to the handler, tagged
// with the session generation that spawned the adapter so stale exits
// cannot disturb a later session on the same connection.
type adapterObserver struct {
	handler    *ConnHandler
	generation uint64
}

func (o *adapterObserver) OnExit(code int) {
	o.handler.onAdapterExit(o.generation, code)
}

func (o *adapterObserver) OnStderrLine(line string) {
	o.handler.onStderrLine(o.generation, line)
}

// OnStart handles a startStream event. Valid in Idle only; a second start
// while a session is live is rejected and the active session keeps
// running. Every failure on the start path unwinds completely: no adapter
// survives, the registry is untouched and exactly one streamError goes out.
func (h *ConnHandler) OnStart(ctx context.Context, req StartRequest) {
	h.mu.Lock()

	if h.state != stateIdle {
		h.mu.Unlock()
		h.emitError("a stream is already active on this connection")
		return
	}
	h.state = stateStarting
	h.pendingExit = nil
	h.mu.Unlock()

	platform := domain.ParsePlatform(req.Platform)
	quality := domain.ParseQuality(req.Quality)
	sessionID := domain.SessionID(req.SessionID)

	secret, err := h.resolveSecret(ctx, platform, sessionID, req)
	if err != nil {
		h.failStart(err.Error())
		return
	}

	destination := h.endpoints.ResolveEndpoint(platform, secret)
	profile := h.endpoints.ResolveProfile(quality)

	generation := h.nextGeneration()
	adapter := h.factory.New(destination, profile, &adapterObserver{handler: h, generation: generation})

	if err := adapter.Start(); err != nil {
		h.failStart(fmt.Sprintf("failed to start transcoder: %v", err))
		return
	}

	if sessionID != "" {
		if _, err := h.sessions.Transition(ctx, sessionID, domain.SessionRunning); err != nil {
			switch {
			case errors.Is(err, domain.ErrSessionNotFound):
				// Ad hoc session id with no pre-created record; relay anyway.
				h.logger.Debugw("no session record for start event", "session_id", sessionID)
			default:
				adapter.Stop()
				h.failStart(fmt.Sprintf("session %s cannot start: %v", sessionID, err))
				return
			}
		}
	}

	h.mu.Lock()
	if h.pendingExit != nil {
		// The subprocess died before the start sequence finished. Going
		// live would bind the session to a dead adapter, so fail the start
		// and finalize the record now.
		code := *h.pendingExit
		h.pendingExit = nil
		hint := h.lastHint
		h.state = stateIdle
		h.mu.Unlock()

		h.markSessionEnded(ctx, sessionID, domain.SessionErrored)

		reason := fmt.Sprintf("stream failed, transcoder exited with code %d", code)
		if hint != "" {
			reason = fmt.Sprintf("%s: %s", reason, hint)
		}
		h.logger.Warnw("transcoder exited during start", "exit_code", code, "session_id", sessionID)
		h.emitError(reason)
		return
	}

	writer := newChunkWriter(adapter)
	h.state = stateLive
	h.sessionID = sessionID
	h.adapter = adapter
	h.writer = writer
	h.startedAt = time.Now()
	h.lastHint = ""
	h.mu.Unlock()

	go writer.run(
		func(n int) {
			if h.collector != nil {
				h.collector.RecordRelayedBytes(n)
			}
		},
		func(err error) {
			h.onWriteFailure(generation, err)
		},
	)

	if h.collector != nil {
		h.collector.RecordSessionStarted()
	}

	h.logger.Infow("stream started",
		"session_id", sessionID,
		"platform", platform,
		"quality", quality,
	)

	h.emit("streamStarted", map[string]interface{}{
		"sessionId": string(sessionID),
		"status":    "live",
	})
}

// resolveSecret picks the secret source: explicit payload value, the
// custom endpoint for platform=custom, or the referenced session record.
func (h *ConnHandler) resolveSecret(ctx context.Context, platform domain.Platform, sessionID domain.SessionID, req StartRequest) (string, error) {
	secret := req.Secret
	if platform == domain.PlatformCustom && req.CustomEndpoint != "" {
		secret = req.CustomEndpoint
	}

	if secret == "" && sessionID != "" {
		session, err := h.sessions.GetSession(ctx, sessionID)
		if err == nil {
			secret = session.Secret
		} else if !errors.Is(err, domain.ErrSessionNotFound) {
			return "", fmt.Errorf("session lookup failed: %v", err)
		}
	}

	if secret == "" {
		return "", fmt.Errorf("stream key is required for platform %s", platform)
	}
	return secret, nil
}

// failStart returns the handler to Idle and reports the reason. Never
// called with a live adapter still attached.
func (h *ConnHandler) failStart(reason string) {
	h.mu.Lock()
	h.state = stateIdle
	h.mu.Unlock()

	h.logger.Warnw("stream start rejected", "reason", reason)
	h.emitError(reason)
}

// OnData hands one binary chunk to the session's writer, in arrival
// order. Enqueueing never blocks; a full queue means the transcoder
// stopped keeping up and is fatal for the session but never for the
// connection.
func (h *ConnHandler) OnData(ctx context.Context, chunk []byte) {
	h.mu.Lock()
	if h.state != stateLive || h.writer == nil {
		h.mu.Unlock()
		return
	}
	writer := h.writer
	h.mu.Unlock()

	if writer.enqueue(chunk) {
		return
	}

	if h.collector != nil {
		h.collector.RecordWriteFailure()
	}

	h.logger.Warnw("chunk queue overflow, ending session")
	h.emitError("transcoder cannot keep up with incoming media")
	h.stopSession(ctx, domain.SessionErrored, false)
}

// onWriteFailure reacts to a failed pipe write reported by the session's
// writer goroutine. Stale generations are informational: the session that
// owned the write is already torn down.
func (h *ConnHandler) onWriteFailure(generation uint64, err error) {
	if h.collector != nil {
		h.collector.RecordWriteFailure()
	}

	h.mu.Lock()
	if generation != h.generation || h.state != stateLive {
		h.mu.Unlock()
		h.logger.Debugw("chunk write failed after session teardown", "error", err)
		return
	}
	h.mu.Unlock()

	switch {
	case errors.Is(err, domain.ErrNotWritable):
		h.logger.Debugw("chunk dropped, transcoder input not writable")
		// The adapter exit callback handles the subprocess outcome; a
		// closed pipe without an exit yet still ends the session below.
		h.emitError("transcoder is no longer accepting data")
	default:
		h.logger.Warnw("chunk write failed", "error", err)
		h.emitError("failed to forward media to transcoder")
	}

	h.stopSession(context.Background(), domain.SessionErrored, false)
}

// OnStop handles an explicit stopStream event. Idempotent: stopping an
// idle connection is a harmless no-op and emits nothing.
func (h *ConnHandler) OnStop(ctx context.Context) {
	if h.stopSession(ctx, domain.SessionStopped, false) {
		h.emit("streamStopped", nil)
	}
}

// OnDisconnect is invoked by the transport when the connection closes for
// any reason. It performs the same teardown as OnStop without emitting
// events, and is safe when no session was ever started.
func (h *ConnHandler) OnDisconnect(ctx context.Context) {
	h.stopSession(ctx, domain.SessionStopped, true)
}

// stopSession is the single teardown routine shared by stop, disconnect
// and write-failure paths. Returns whether a session was actually torn
// down. Bumping the generation demotes any in-flight adapter exit
// callback to informational.
func (h *ConnHandler) stopSession(ctx context.Context, status domain.SessionStatus, disconnecting bool) bool {
	h.mu.Lock()
	if h.state != stateLive && h.state != stateStarting {
		h.mu.Unlock()
		return false
	}
	h.state = stateStopping
	adapter := h.adapter
	writer := h.writer
	sessionID := h.sessionID
	startedAt := h.startedAt
	h.adapter = nil
	h.writer = nil
	h.sessionID = ""
	h.generation++
	h.mu.Unlock()

	if writer != nil {
		writer.close()
	}
	if adapter != nil {
		adapter.Stop()
	}

	h.markSessionEnded(ctx, sessionID, status)

	var duration time.Duration
	if !startedAt.IsZero() {
		duration = time.Since(startedAt)
	}
	if h.collector != nil {
		h.collector.RecordSessionEnded(duration)
	}

	h.logger.Infow("stream stopped",
		"session_id", sessionID,
		"status", status,
		"duration", duration,
		"disconnecting", disconnecting,
	)

	h.mu.Lock()
	h.state = stateIdle
	h.mu.Unlock()
	return true
}

// onAdapterExit reacts to the subprocess ending on its own. Only a
// non-zero exit of the current generation while Live ends the session;
// anything else is informational, so an exit racing an explicit stop never
// re-emits conflicting events.
func (h *ConnHandler) onAdapterExit(generation uint64, code int) {
	if h.collector != nil {
		h.collector.RecordTranscoderExit(code)
	}

	h.mu.Lock()
	if generation == h.generation && h.state == stateStarting {
		// The start sequence is still in flight; let it finalize the exit
		// instead of going live on a dead adapter.
		exitCode := code
		h.pendingExit = &exitCode
		h.mu.Unlock()
		return
	}

	if generation != h.generation || h.state != stateLive {
		h.mu.Unlock()
		h.logger.Debugw("transcoder exit after session teardown", "exit_code", code)
		return
	}

	if code == 0 {
		h.mu.Unlock()
		h.logger.Infow("transcoder finished", "exit_code", code)
		return
	}

	h.state = stateErrored
	sessionID := h.sessionID
	startedAt := h.startedAt
	hint := h.lastHint
	writer := h.writer
	h.adapter = nil
	h.writer = nil
	h.sessionID = ""
	h.generation++
	h.mu.Unlock()

	if writer != nil {
		writer.close()
	}

	h.markSessionEnded(context.Background(), sessionID, domain.SessionErrored)

	if h.collector != nil {
		h.collector.RecordSessionEnded(time.Since(startedAt))
	}

	reason := fmt.Sprintf("stream failed, transcoder exited with code %d", code)
	if hint != "" {
		reason = fmt.Sprintf("%s: %s", reason, hint)
	}
	h.logger.Warnw("transcoder exited while live", "exit_code", code, "session_id", sessionID)
	h.emitError(reason)

	h.mu.Lock()
	h.state = stateIdle
	h.mu.Unlock()
}

func (h *ConnHandler) onStderrLine(generation uint64, line string) {
	hint, ok := transcoder.ClassifyStderr(line)
	if !ok {
		return
	}

	h.mu.Lock()
	if generation == h.generation {
		h.lastHint = hint
	}
	h.mu.Unlock()
}

// markSessionEnded records the terminal registry status, tolerating ad hoc
// sessions without a record and races where the record already reached a
// terminal state.
func (h *ConnHandler) markSessionEnded(ctx context.Context, sessionID domain.SessionID, status domain.SessionStatus) {
	if sessionID == "" {
		return
	}

	if _, err := h.sessions.Transition(ctx, sessionID, status); err != nil {
		switch {
		case errors.Is(err, domain.ErrSessionNotFound):
			h.logger.Debugw("no session record to finalize", "session_id", sessionID)
		case errors.Is(err, domain.ErrInvalidTransition):
			h.logger.Debugw("session already finalized", "session_id", sessionID, "status", status)
		default:
			h.logger.Errorw("failed to finalize session", "session_id", sessionID, "error", err)
		}
	}
}

func (h *ConnHandler) nextGeneration() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.generation++
	return h.generation
}

func (h *ConnHandler) emit(event string, payload interface{}) {
	if err := h.sink.SendEvent(event, payload); err != nil {
		h.logger.Debugw("failed to send event", "event", event, "error", err)
	}
}

func (h *ConnHandler) emitError(message string) {
	h.emit("streamError", map[string]interface{}{"error": message})
}
