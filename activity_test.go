package calibresync

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crosspoint-reader/calibresync/display"
	"github.com/crosspoint-reader/calibresync/sink"
)

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.LocalUDPPort = 0
	cfg.EnableMDNS = false
	cfg.ReadPollTimeout = 20 * time.Millisecond
	cfg.DiscoveryWait = 100 * time.Millisecond
	return cfg
}

type stubInput struct{ back bool }

func (in *stubInput) BackPressed() bool { return in.back }

// TestActivityStartStop verifies shutdown terminates both workers
// within the bounded grace period while the network worker sits in a
// discovery wait.
func TestActivityStartStop(t *testing.T) {
	var frame bytes.Buffer
	a := NewActivity(testConfig(), newTestStorage(), display.NewTerminal(&frame))

	released := false
	a.ReleaseNetwork = func() { released = true }

	require.NoError(t, a.Start())
	assert.Equal(t, StateDiscovering, a.State())
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	a.Stop()
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 2*time.Second, "shutdown must be bounded")
	assert.True(t, released, "network release hook must run after workers stop")

	select {
	case <-a.netDone:
	default:
		t.Error("network worker still running after Stop")
	}
	select {
	case <-a.renderDone:
	default:
		t.Error("render worker still running after Stop")
	}
}

// TestActivityStopFlushesSink verifies shutdown with a transfer in
// flight closes the destination with its buffered bytes written.
func TestActivityStopFlushesSink(t *testing.T) {
	store := newTestStorage()
	a := NewActivity(testConfig(), store, display.NewTerminal(&bytes.Buffer{}))
	require.NoError(t, a.Start())

	snk, err := sink.New(store, "partial.epub", 100)
	require.NoError(t, err)
	require.NoError(t, snk.Write([]byte("hello")))

	a.session.mu.Lock()
	a.session.snk = snk
	a.session.binaryMode = true
	a.session.mu.Unlock()

	a.Stop()

	f := store.file("partial.epub")
	require.NotNil(t, f)
	size, _, closed := f.snapshot()
	assert.True(t, closed, "sink must be closed on shutdown")
	assert.Equal(t, 5, size, "buffered bytes must be flushed")
}

// TestRenderReceivingShowsFilename verifies the Receiving screen
// carries the destination name and a progress bar.
func TestRenderReceivingShowsFilename(t *testing.T) {
	store := newTestStorage()
	var frame bytes.Buffer
	a := NewActivity(testConfig(), store, display.NewTerminal(&frame))

	snk, err := sink.New(store, "My Book.epub", 1000)
	require.NoError(t, err)
	require.NoError(t, snk.Write(make([]byte, 250)))

	a.session.mu.Lock()
	a.session.snk = snk
	a.session.state = StateReceiving
	a.session.statusText = "Receiving book..."
	a.session.mu.Unlock()

	a.render()

	out := frame.String()
	assert.Contains(t, out, "My Book.epub")
	assert.Contains(t, out, "[#")
}

// TestActivityRunBackExit verifies the foreground loop returns once
// the back control is reported pressed.
func TestActivityRunBackExit(t *testing.T) {
	a := NewActivity(testConfig(), newTestStorage(), display.NewTerminal(&bytes.Buffer{}))

	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background(), &stubInput{back: true}) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return on back press")
	}
}

// TestActivityRunContextCancel verifies the foreground loop honors
// context cancellation.
func TestActivityRunContextCancel(t *testing.T) {
	a := NewActivity(testConfig(), newTestStorage(), display.NewTerminal(&bytes.Buffer{}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, &stubInput{}) }()

	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return on cancellation")
	}
}
