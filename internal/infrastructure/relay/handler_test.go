package relay

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"relaycast/internal/core/domain"
	"relaycast/internal/core/ports"
	"relaycast/internal/core/services"
	"relaycast/internal/infrastructure/repositories/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type sinkEvent struct {
	name    string
	payload interface{}
}

type fakeSink struct {
	mu     sync.Mutex
	events []sinkEvent
}

func (s *fakeSink) SendEvent(event string, payload interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, sinkEvent{name: event, payload: payload})
	return nil
}

func (s *fakeSink) count(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.name == name {
			n++
		}
	}
	return n
}

func (s *fakeSink) last(name string) (sinkEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].name == name {
			return s.events[i], true
		}
	}
	return sinkEvent{}, false
}

func (s *fakeSink) errorMessage(t *testing.T) string {
	t.Helper()
	e, ok := s.last("streamError")
	require.True(t, ok, "expected a streamError event")
	payload, ok := e.payload.(map[string]interface{})
	require.True(t, ok)
	msg, ok := payload["error"].(string)
	require.True(t, ok)
	return msg
}

type fakeTranscoder struct {
	startErr error
	writeErr error

	mu      sync.Mutex
	started bool
	stopped bool
	chunks  [][]byte
	done    chan struct{}
}

func (f *fakeTranscoder) Start() error {
	if f.startErr != nil {
		return f.startErr
	}
	f.mu.Lock()
	f.started = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTranscoder) Write(chunk []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.chunks = append(f.chunks, append([]byte(nil), chunk...))
	return nil
}

func (f *fakeTranscoder) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.stopped {
		f.stopped = true
		close(f.done)
	}
}

func (f *fakeTranscoder) Done() <-chan struct{} {
	return f.done
}

func (f *fakeTranscoder) isStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

func (f *fakeTranscoder) writtenChunks() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.chunks...)
}

type fakeFactory struct {
	startErr error
	writeErr error

	mu           sync.Mutex
	created      []*fakeTranscoder
	destinations []string
	observers    []ports.TranscoderObserver
}

func (f *fakeFactory) New(destination string, profile domain.Profile, observer ports.TranscoderObserver) ports.Transcoder {
	tc := &fakeTranscoder{
		startErr: f.startErr,
		writeErr: f.writeErr,
		done:     make(chan struct{}),
	}
	f.mu.Lock()
	f.created = append(f.created, tc)
	f.destinations = append(f.destinations, destination)
	f.observers = append(f.observers, observer)
	f.mu.Unlock()
	return tc
}

func (f *fakeFactory) adapterCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *fakeFactory) adapter(t *testing.T, i int) *fakeTranscoder {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.Greater(t, len(f.created), i)
	return f.created[i]
}

func (f *fakeFactory) observer(t *testing.T, i int) ports.TranscoderObserver {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.Greater(t, len(f.observers), i)
	return f.observers[i]
}

func (f *fakeFactory) destination(t *testing.T, i int) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.Greater(t, len(f.destinations), i)
	return f.destinations[i]
}

type handlerFixture struct {
	handler  *ConnHandler
	factory  *fakeFactory
	sink     *fakeSink
	sessions ports.SessionService
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()
	sessions := services.NewSessionService(memory.NewMemorySessionRepository(), logger)
	endpoints := services.NewEndpointService(nil, nil)
	factory := &fakeFactory{}
	sink := &fakeSink{}

	handler := NewConnHandler("test-conn", sessions, endpoints, factory, nil, sink, logger)
	return &handlerFixture{handler: handler, factory: factory, sink: sink, sessions: sessions}
}

func (fx *handlerFixture) createSession(t *testing.T, platform domain.Platform, secret string) *domain.Session {
	t.Helper()
	session, err := fx.sessions.CreateSession(context.Background(), platform, domain.QualityMedium, secret)
	require.NoError(t, err)
	return session
}

func TestConnHandler_StartWithoutSecret(t *testing.T) {
	fx := newHandlerFixture(t)

	fx.handler.OnStart(context.Background(), StartRequest{Platform: "youtube", Quality: "medium"})

	assert.Equal(t, 1, fx.sink.count("streamError"))
	assert.Contains(t, fx.sink.errorMessage(t), "stream key is required")
	assert.Zero(t, fx.factory.adapterCount(), "no transcoder may be spawned without a secret")

	// The handler must be usable again after a rejected start.
	fx.handler.OnStart(context.Background(), StartRequest{Platform: "youtube", Quality: "medium", Secret: "key"})
	assert.Equal(t, 1, fx.sink.count("streamStarted"))
}

func TestConnHandler_StartStopRoundTrip(t *testing.T) {
	fx := newHandlerFixture(t)
	ctx := context.Background()
	session := fx.createSession(t, domain.PlatformTwitch, "tw-key")

	fx.handler.OnStart(ctx, StartRequest{
		SessionID: string(session.ID),
		Platform:  "twitch",
		Quality:   "high",
		Secret:    "tw-key",
	})

	require.Equal(t, 1, fx.sink.count("streamStarted"))
	started, _ := fx.sink.last("streamStarted")
	payload := started.payload.(map[string]interface{})
	assert.Equal(t, string(session.ID), payload["sessionId"])
	assert.Equal(t, "live", payload["status"])

	assert.Equal(t, "rtmp://live.twitch.tv/live/tw-key", fx.factory.destination(t, 0))

	stored, err := fx.sessions.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionRunning, stored.Status)
	require.NotNil(t, stored.StartedAt)

	fx.handler.OnData(ctx, []byte("chunk-1"))
	fx.handler.OnData(ctx, []byte("chunk-2"))
	fx.handler.OnData(ctx, []byte("chunk-3"))

	require.Eventually(t, func() bool {
		return len(fx.factory.adapter(t, 0).writtenChunks()) == 3
	}, 2*time.Second, 10*time.Millisecond)

	chunks := fx.factory.adapter(t, 0).writtenChunks()
	assert.Equal(t, []byte("chunk-1"), chunks[0])
	assert.Equal(t, []byte("chunk-2"), chunks[1])
	assert.Equal(t, []byte("chunk-3"), chunks[2])

	fx.handler.OnStop(ctx)

	assert.Equal(t, 1, fx.sink.count("streamStopped"))
	assert.True(t, fx.factory.adapter(t, 0).isStopped())

	stored, err = fx.sessions.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStopped, stored.Status)
	require.NotNil(t, stored.EndedAt)
	assert.Zero(t, fx.sink.count("streamError"))
}

func TestConnHandler_StopWithoutSession(t *testing.T) {
	fx := newHandlerFixture(t)

	fx.handler.OnStop(context.Background())
	fx.handler.OnStop(context.Background())

	assert.Empty(t, fx.sink.events)
}

func TestConnHandler_SecondStartRejected(t *testing.T) {
	fx := newHandlerFixture(t)
	ctx := context.Background()

	fx.handler.OnStart(ctx, StartRequest{Platform: "youtube", Quality: "medium", Secret: "key-1"})
	fx.handler.OnStart(ctx, StartRequest{Platform: "youtube", Quality: "medium", Secret: "key-2"})

	assert.Equal(t, 1, fx.sink.count("streamStarted"))
	assert.Equal(t, 1, fx.sink.count("streamError"))
	assert.Contains(t, fx.sink.errorMessage(t), "already active")

	// The live session is untouched by the rejected start.
	assert.Equal(t, 1, fx.factory.adapterCount())
	assert.False(t, fx.factory.adapter(t, 0).isStopped())

	fx.handler.OnData(ctx, []byte("still-relaying"))
	assert.Eventually(t, func() bool {
		return len(fx.factory.adapter(t, 0).writtenChunks()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConnHandler_DisconnectTearsDownSilently(t *testing.T) {
	fx := newHandlerFixture(t)
	ctx := context.Background()
	session := fx.createSession(t, domain.PlatformYouTube, "yt-key")

	fx.handler.OnStart(ctx, StartRequest{SessionID: string(session.ID), Platform: "youtube", Quality: "medium"})
	require.Equal(t, 1, fx.sink.count("streamStarted"))

	fx.handler.OnDisconnect(ctx)

	assert.True(t, fx.factory.adapter(t, 0).isStopped())
	assert.Zero(t, fx.sink.count("streamStopped"), "disconnect teardown emits no events")
	assert.Zero(t, fx.sink.count("streamError"))

	stored, err := fx.sessions.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStopped, stored.Status)
}

func TestConnHandler_SecretFromSessionRecord(t *testing.T) {
	fx := newHandlerFixture(t)
	session := fx.createSession(t, domain.PlatformYouTube, "record-secret")

	fx.handler.OnStart(context.Background(), StartRequest{
		SessionID: string(session.ID),
		Platform:  "youtube",
		Quality:   "medium",
	})

	require.Equal(t, 1, fx.sink.count("streamStarted"))
	assert.Equal(t, "rtmp://a.rtmp.youtube.com/live2/record-secret", fx.factory.destination(t, 0))
}

func TestConnHandler_PayloadSecretWinsOverRecord(t *testing.T) {
	fx := newHandlerFixture(t)
	session := fx.createSession(t, domain.PlatformYouTube, "record-secret")

	fx.handler.OnStart(context.Background(), StartRequest{
		SessionID: string(session.ID),
		Platform:  "youtube",
		Quality:   "medium",
		Secret:    "payload-secret",
	})

	require.Equal(t, 1, fx.sink.count("streamStarted"))
	assert.Equal(t, "rtmp://a.rtmp.youtube.com/live2/payload-secret", fx.factory.destination(t, 0))
}

func TestConnHandler_CustomEndpoint(t *testing.T) {
	fx := newHandlerFixture(t)

	fx.handler.OnStart(context.Background(), StartRequest{
		Platform:       "custom",
		Quality:        "low",
		CustomEndpoint: "rtmp://my.server:1935/live/key",
	})

	require.Equal(t, 1, fx.sink.count("streamStarted"))
	assert.Equal(t, "rtmp://my.server:1935/live/key", fx.factory.destination(t, 0))
}

func TestConnHandler_LaunchFailure(t *testing.T) {
	fx := newHandlerFixture(t)
	fx.factory.startErr = fmt.Errorf("%w: exec: no such file", domain.ErrLaunchFailure)
	session := fx.createSession(t, domain.PlatformYouTube, "yt-key")

	fx.handler.OnStart(context.Background(), StartRequest{
		SessionID: string(session.ID),
		Platform:  "youtube",
		Quality:   "medium",
	})

	assert.Equal(t, 1, fx.sink.count("streamError"))
	assert.Contains(t, fx.sink.errorMessage(t), "failed to start transcoder")
	assert.Zero(t, fx.sink.count("streamStarted"))

	// The registry record never left created.
	stored, err := fx.sessions.GetSession(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCreated, stored.Status)
}

func TestConnHandler_AdapterExitError(t *testing.T) {
	fx := newHandlerFixture(t)
	ctx := context.Background()
	session := fx.createSession(t, domain.PlatformYouTube, "yt-key")

	fx.handler.OnStart(ctx, StartRequest{SessionID: string(session.ID), Platform: "youtube", Quality: "medium"})
	require.Equal(t, 1, fx.sink.count("streamStarted"))

	observer := fx.factory.observer(t, 0)
	observer.OnStderrLine("[rtmp @ 0x55] Server error: 403 Forbidden")
	observer.OnExit(1)

	require.Equal(t, 1, fx.sink.count("streamError"))
	msg := fx.sink.errorMessage(t)
	assert.Contains(t, msg, "exited with code 1")
	assert.Contains(t, msg, "check stream key")

	stored, err := fx.sessions.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionErrored, stored.Status)
	require.NotNil(t, stored.EndedAt)

	// The connection survives the failure and can start a fresh session.
	fx.handler.OnStart(ctx, StartRequest{Platform: "youtube", Quality: "medium", Secret: "new-key"})
	assert.Equal(t, 2, fx.sink.count("streamStarted"))
}

func TestConnHandler_CleanAdapterExitIsNotAnError(t *testing.T) {
	fx := newHandlerFixture(t)
	ctx := context.Background()

	fx.handler.OnStart(ctx, StartRequest{Platform: "youtube", Quality: "medium", Secret: "key"})
	fx.factory.observer(t, 0).OnExit(0)

	assert.Zero(t, fx.sink.count("streamError"))
}

func TestConnHandler_StaleExitAfterStop(t *testing.T) {
	fx := newHandlerFixture(t)
	ctx := context.Background()
	session := fx.createSession(t, domain.PlatformYouTube, "yt-key")

	fx.handler.OnStart(ctx, StartRequest{SessionID: string(session.ID), Platform: "youtube", Quality: "medium"})
	fx.handler.OnStop(ctx)
	require.Equal(t, 1, fx.sink.count("streamStopped"))

	// Exit callback arriving after explicit teardown is informational only.
	fx.factory.observer(t, 0).OnExit(1)

	assert.Zero(t, fx.sink.count("streamError"))
	stored, err := fx.sessions.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStopped, stored.Status)
}

func TestConnHandler_WriteFailureEndsSession(t *testing.T) {
	fx := newHandlerFixture(t)
	ctx := context.Background()
	session := fx.createSession(t, domain.PlatformYouTube, "yt-key")

	fx.handler.OnStart(ctx, StartRequest{SessionID: string(session.ID), Platform: "youtube", Quality: "medium"})
	fx.factory.adapter(t, 0).writeErr = fmt.Errorf("%w: broken pipe", domain.ErrWriteFailure)

	fx.handler.OnData(ctx, []byte("chunk"))

	require.Eventually(t, func() bool {
		return fx.sink.count("streamError") == 1 && fx.factory.adapter(t, 0).isStopped()
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		stored, err := fx.sessions.GetSession(ctx, session.ID)
		return err == nil && stored.Status == domain.SessionErrored
	}, 2*time.Second, 10*time.Millisecond)

	// A stale exit after the defensive stop must not add a second error.
	fx.factory.observer(t, 0).OnExit(1)
	assert.Equal(t, 1, fx.sink.count("streamError"))
}

func TestConnHandler_DataIgnoredWhenIdle(t *testing.T) {
	fx := newHandlerFixture(t)

	fx.handler.OnData(context.Background(), []byte("orphan chunk"))

	assert.Empty(t, fx.sink.events)
	assert.Zero(t, fx.factory.adapterCount())
}

func TestConnHandler_IndependentConnections(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	sessions := services.NewSessionService(memory.NewMemorySessionRepository(), logger)
	endpoints := services.NewEndpointService(nil, nil)

	type conn struct {
		handler *ConnHandler
		factory *fakeFactory
	}

	conns := make([]conn, 2)
	for i := range conns {
		factory := &fakeFactory{}
		conns[i] = conn{
			handler: NewConnHandler(fmt.Sprintf("conn-%d", i), sessions, endpoints, factory, nil, &fakeSink{}, logger),
			factory: factory,
		}
		conns[i].handler.OnStart(context.Background(), StartRequest{
			Platform: "youtube",
			Quality:  "medium",
			Secret:   fmt.Sprintf("key-%d", i),
		})
	}

	const chunksPerConn = 50

	var wg sync.WaitGroup
	for i, c := range conns {
		wg.Add(1)
		go func(i int, c conn) {
			defer wg.Done()
			for n := 0; n < chunksPerConn; n++ {
				c.handler.OnData(context.Background(), []byte(fmt.Sprintf("c%d-%d", i, n)))
			}
		}(i, c)
	}
	wg.Wait()

	for i, c := range conns {
		c := c
		require.Eventually(t, func() bool {
			return len(c.factory.adapter(t, 0).writtenChunks()) == chunksPerConn
		}, 2*time.Second, 10*time.Millisecond)

		chunks := c.factory.adapter(t, 0).writtenChunks()
		for n, chunk := range chunks {
			assert.Equal(t, fmt.Sprintf("c%d-%d", i, n), string(chunk), "chunks must keep arrival order per connection")
		}
	}
}

// blockingTranscoder models a transcoder whose stdin pipe is full: every
// write blocks until the test releases it.
type blockingTranscoder struct {
	release chan struct{}
	done    chan struct{}

	mu      sync.Mutex
	stopped bool
}

func (b *blockingTranscoder) Start() error { return nil }

func (b *blockingTranscoder) Write(chunk []byte) error {
	<-b.release
	return nil
}

func (b *blockingTranscoder) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.stopped {
		b.stopped = true
		close(b.done)
	}
}

func (b *blockingTranscoder) Done() <-chan struct{} { return b.done }

func (b *blockingTranscoder) isStopped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopped
}

type blockingFactory struct {
	release chan struct{}

	mu      sync.Mutex
	created []*blockingTranscoder
}

func (f *blockingFactory) New(destination string, profile domain.Profile, observer ports.TranscoderObserver) ports.Transcoder {
	tc := &blockingTranscoder{release: f.release, done: make(chan struct{})}
	f.mu.Lock()
	f.created = append(f.created, tc)
	f.mu.Unlock()
	return tc
}

func (f *blockingFactory) adapter(t *testing.T, i int) *blockingTranscoder {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.Greater(t, len(f.created), i)
	return f.created[i]
}

func TestConnHandler_BlockedPipeDoesNotStallTeardown(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	logger := zaptest.NewLogger(t).Sugar()
	sessions := services.NewSessionService(memory.NewMemorySessionRepository(), logger)
	endpoints := services.NewEndpointService(nil, nil)
	factory := &blockingFactory{release: release}
	sink := &fakeSink{}
	handler := NewConnHandler("blocked-conn", sessions, endpoints, factory, nil, sink, logger)
	ctx := context.Background()

	session, err := sessions.CreateSession(ctx, domain.PlatformYouTube, domain.QualityMedium, "yt-key")
	require.NoError(t, err)

	handler.OnStart(ctx, StartRequest{SessionID: string(session.ID), Platform: "youtube", Quality: "medium"})
	require.Equal(t, 1, sink.count("streamStarted"))

	// The first chunk wedges in the transcoder pipe; further chunks queue.
	for i := 0; i < 20; i++ {
		handler.OnData(ctx, []byte("chunk"))
	}

	// Teardown must complete while the write is still blocked.
	finished := make(chan struct{})
	go func() {
		handler.OnDisconnect(ctx)
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect teardown stalled behind a blocked pipe write")
	}

	assert.True(t, factory.adapter(t, 0).isStopped())

	stored, err := sessions.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStopped, stored.Status)
}

func TestConnHandler_QueueOverflowEndsSession(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	logger := zaptest.NewLogger(t).Sugar()
	sessions := services.NewSessionService(memory.NewMemorySessionRepository(), logger)
	endpoints := services.NewEndpointService(nil, nil)
	factory := &blockingFactory{release: release}
	sink := &fakeSink{}
	handler := NewConnHandler("overflow-conn", sessions, endpoints, factory, nil, sink, logger)
	ctx := context.Background()

	session, err := sessions.CreateSession(ctx, domain.PlatformYouTube, domain.QualityMedium, "yt-key")
	require.NoError(t, err)

	handler.OnStart(ctx, StartRequest{SessionID: string(session.ID), Platform: "youtube", Quality: "medium"})
	require.Equal(t, 1, sink.count("streamStarted"))

	// One chunk wedges in the write, chunkQueueSize fill the queue, the
	// next one overflows and ends the session.
	for i := 0; i < chunkQueueSize+2; i++ {
		handler.OnData(ctx, []byte("chunk"))
	}

	assert.Equal(t, 1, sink.count("streamError"))
	assert.Contains(t, sink.errorMessage(t), "cannot keep up")
	assert.True(t, factory.adapter(t, 0).isStopped())

	stored, err := sessions.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionErrored, stored.Status)
}

func TestConnHandler_ConcurrentStartsOneWinner(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	sessions := services.NewSessionService(memory.NewMemorySessionRepository(), logger)
	endpoints := services.NewEndpointService(nil, nil)
	ctx := context.Background()

	session, err := sessions.CreateSession(ctx, domain.PlatformYouTube, domain.QualityMedium, "yt-key")
	require.NoError(t, err)

	type conn struct {
		handler *ConnHandler
		factory *fakeFactory
		sink    *fakeSink
	}

	conns := make([]conn, 2)
	for i := range conns {
		factory := &fakeFactory{}
		sink := &fakeSink{}
		conns[i] = conn{
			handler: NewConnHandler(fmt.Sprintf("race-conn-%d", i), sessions, endpoints, factory, nil, sink, logger),
			factory: factory,
			sink:    sink,
		}
	}

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c conn) {
			defer wg.Done()
			c.handler.OnStart(ctx, StartRequest{
				SessionID: string(session.ID),
				Platform:  "youtube",
				Quality:   "medium",
			})
		}(c)
	}
	wg.Wait()

	started, errored := 0, 0
	for _, c := range conns {
		started += c.sink.count("streamStarted")
		errored += c.sink.count("streamError")
	}
	assert.Equal(t, 1, started, "exactly one connection may own the session")
	assert.Equal(t, 1, errored)

	// The losing connection's adapter must not survive the rejected start.
	liveAdapters := 0
	for _, c := range conns {
		if c.factory.adapterCount() == 1 && !c.factory.adapter(t, 0).isStopped() {
			liveAdapters++
		}
	}
	assert.Equal(t, 1, liveAdapters)

	stored, err := sessions.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionRunning, stored.Status)
}

// exitOnStartFactory models a transcoder that dies immediately after
// spawning, before the start sequence finishes. Only the first adapter
// dies; later ones behave normally.
type exitOnStartFactory struct {
	fakeFactory
	code  int
	fired bool
}

func (f *exitOnStartFactory) New(destination string, profile domain.Profile, observer ports.TranscoderObserver) ports.Transcoder {
	tc := f.fakeFactory.New(destination, profile, observer)
	if f.fired {
		return tc
	}
	f.fired = true
	return &exitOnStartTranscoder{Transcoder: tc, observer: observer, code: f.code}
}

type exitOnStartTranscoder struct {
	ports.Transcoder
	observer ports.TranscoderObserver
	code     int
}

func (tc *exitOnStartTranscoder) Start() error {
	if err := tc.Transcoder.Start(); err != nil {
		return err
	}
	tc.observer.OnExit(tc.code)
	return nil
}

func TestConnHandler_ExitDuringStart(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	sessions := services.NewSessionService(memory.NewMemorySessionRepository(), logger)
	endpoints := services.NewEndpointService(nil, nil)
	factory := &exitOnStartFactory{code: 1}
	sink := &fakeSink{}
	handler := NewConnHandler("dead-on-start", sessions, endpoints, factory, nil, sink, logger)
	ctx := context.Background()

	session, err := sessions.CreateSession(ctx, domain.PlatformYouTube, domain.QualityMedium, "yt-key")
	require.NoError(t, err)

	handler.OnStart(ctx, StartRequest{SessionID: string(session.ID), Platform: "youtube", Quality: "medium"})

	// The session never goes live on an adapter that already exited.
	assert.Zero(t, sink.count("streamStarted"))
	assert.Equal(t, 1, sink.count("streamError"))
	assert.Contains(t, sink.errorMessage(t), "exited with code 1")

	stored, err := sessions.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionErrored, stored.Status)
	require.NotNil(t, stored.EndedAt)

	// The connection stays usable for a fresh attempt.
	handler.OnStart(ctx, StartRequest{Platform: "youtube", Quality: "medium", Secret: "new-key"})
	assert.Equal(t, 1, sink.count("streamStarted"))
}
