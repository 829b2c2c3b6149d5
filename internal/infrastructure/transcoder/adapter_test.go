package transcoder

import (
	"sync"
	"testing"
	"time"

	"relaycast/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recordingObserver struct {
	exits chan int

	mu    sync.Mutex
	lines []string
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{exits: make(chan int, 4)}
}

func (o *recordingObserver) OnExit(code int) {
	o.exits <- code
}

func (o *recordingObserver) OnStderrLine(line string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lines = append(o.lines, line)
}

func (o *recordingObserver) stderrLines() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.lines...)
}

func waitExit(t *testing.T, o *recordingObserver) int {
	t.Helper()
	select {
	case code := <-o.exits:
		return code
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for exit callback")
		return 0
	}
}

// testAdapter builds an adapter around an arbitrary command instead of the
// full ffmpeg argument vector so the lifecycle can be exercised without
// ffmpeg installed.
func testAdapter(t *testing.T, observer *recordingObserver, binary string, args ...string) *Adapter {
	t.Helper()
	return &Adapter{
		logger:   zaptest.NewLogger(t).Sugar(),
		binary:   binary,
		args:     args,
		observer: observer,
		done:     make(chan struct{}),
	}
}

func TestAdapter_StartFailure(t *testing.T) {
	obs := newRecordingObserver()
	factory := NewFactory("/nonexistent/ffmpeg-binary", zaptest.NewLogger(t).Sugar())

	adapter := factory.New("rtmp://x/y", domain.Profile{BitrateKbps: 1000, FPS: 15, CRF: 28}, obs)

	err := adapter.Start()
	assert.ErrorIs(t, err, domain.ErrLaunchFailure)

	// A failed launch never fires observer callbacks.
	select {
	case code := <-obs.exits:
		t.Fatalf("unexpected exit callback with code %d", code)
	case <-time.After(100 * time.Millisecond):
	}

	assert.ErrorIs(t, adapter.Write([]byte("chunk")), domain.ErrNotWritable)
	assert.NotPanics(t, adapter.Stop)
}

func TestAdapter_WriteAndStop(t *testing.T) {
	obs := newRecordingObserver()
	adapter := testAdapter(t, obs, "cat")

	require.NoError(t, adapter.Start())
	require.NoError(t, adapter.Write([]byte("first chunk")))
	require.NoError(t, adapter.Write([]byte("second chunk")))

	adapter.Stop()

	select {
	case <-adapter.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("adapter did not exit after Stop")
	}

	waitExit(t, obs)

	assert.ErrorIs(t, adapter.Write([]byte("late chunk")), domain.ErrNotWritable)
}

func TestAdapter_StopIsIdempotent(t *testing.T) {
	obs := newRecordingObserver()
	adapter := testAdapter(t, obs, "cat")

	require.NoError(t, adapter.Start())

	adapter.Stop()
	adapter.Stop()
	adapter.Stop()

	select {
	case <-adapter.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("adapter did not exit after Stop")
	}

	waitExit(t, obs)

	select {
	case code := <-obs.exits:
		t.Fatalf("exit callback fired more than once, second code %d", code)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestAdapter_ReportsExitCode(t *testing.T) {
	obs := newRecordingObserver()
	adapter := testAdapter(t, obs, "sh", "-c", "exit 7")

	require.NoError(t, adapter.Start())
	assert.Equal(t, 7, waitExit(t, obs))
}

func TestAdapter_ForwardsStderrLines(t *testing.T) {
	obs := newRecordingObserver()
	adapter := testAdapter(t, obs, "sh", "-c", `echo "Server error: 403 Forbidden" >&2; exit 1`)

	require.NoError(t, adapter.Start())
	assert.Equal(t, 1, waitExit(t, obs))

	lines := obs.stderrLines()
	require.Len(t, lines, 1)
	hint, ok := ClassifyStderr(lines[0])
	assert.True(t, ok)
	assert.Contains(t, hint, "authentication")
}

func TestAdapter_StartIsOneShot(t *testing.T) {
	obs := newRecordingObserver()
	adapter := testAdapter(t, obs, "cat")

	require.NoError(t, adapter.Start())
	require.NoError(t, adapter.Start(), "repeated Start on a running adapter is a no-op")

	adapter.Stop()
	select {
	case <-adapter.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("adapter did not exit after Stop")
	}
	waitExit(t, obs)
}

func TestAdapter_WriteDeadlineOnStalledPipe(t *testing.T) {
	if testing.Short() {
		t.Skip("waits out the pipe write deadline")
	}

	obs := newRecordingObserver()
	// A subprocess that never reads stdin; once the pipe buffer fills,
	// writes can only return through the deadline.
	adapter := testAdapter(t, obs, "sleep", "30")
	require.NoError(t, adapter.Start())
	defer adapter.Stop()

	chunk := make([]byte, 64*1024)
	start := time.Now()

	var err error
	for i := 0; i < 64; i++ {
		if err = adapter.Write(chunk); err != nil {
			break
		}
	}

	require.Error(t, err, "writes into a stalled pipe must eventually fail")
	assert.Less(t, time.Since(start), writeTimeout+3*time.Second)
}
