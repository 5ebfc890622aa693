package calibresync

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/crosspoint-reader/calibresync/discovery"
	"github.com/crosspoint-reader/calibresync/display"
	"github.com/crosspoint-reader/calibresync/storage"
)

// Input is the single control the activity consumes: a back/cancel
// signal ending it.
type Input interface {
	BackPressed() bool
}

// Activity owns the engine's two cooperating workers: the network
// worker driving the session state machine, and the render worker
// repainting status on request. It also owns the shutdown protocol,
// which must run in a fixed order so no worker is abandoned blocked on
// I/O and no in-flight file write is left buffered.
type Activity struct {
	cfg      *Config
	session  *session
	renderer display.Renderer

	disc   *discovery.Client
	mdnsCh chan discovery.Reply

	renderMu   sync.Mutex
	shouldStop atomic.Bool
	repaint    atomic.Bool

	netDone    chan struct{}
	renderDone chan struct{}

	mdnsCancel context.CancelFunc

	// ReleaseNetwork, when set, is called at the end of shutdown once
	// both workers are confirmed stopped. The firmware uses it to
	// power down the radio; it must not run while a worker could
	// still touch a socket.
	ReleaseNetwork func()

	started bool
}

// NewActivity wires an engine around the given collaborators. renderer
// may be nil when the caller has no status surface.
func NewActivity(cfg *Config, store storage.Storage, renderer display.Renderer) *Activity {
	a := &Activity{
		cfg:      cfg,
		renderer: renderer,
	}
	a.session = newSession(cfg, store, func() { a.repaint.Store(true) })
	return a
}

// Start opens the discovery listener and spawns both workers.
func (a *Activity) Start() error {
	if a.started {
		return nil
	}

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"device":   a.cfg.DeviceName,
	}).Info("Starting wireless transfer activity")

	disc, err := discovery.NewClient(a.cfg.LocalUDPPort)
	if err != nil {
		return err
	}
	a.disc = disc

	a.shouldStop.Store(false)
	a.repaint.Store(true)
	a.netDone = make(chan struct{})
	a.renderDone = make(chan struct{})

	if a.cfg.EnableMDNS {
		a.startMDNS()
	}

	go a.networkWorker()
	go a.renderWorker()

	a.started = true
	return nil
}

// startMDNS runs the secondary discovery channel in the background,
// delivering at most one reply into mdnsCh.
func (a *Activity) startMDNS() {
	ctx, cancel := context.WithCancel(context.Background())
	a.mdnsCancel = cancel
	a.mdnsCh = make(chan discovery.Reply, 1)

	go func() {
		reply, err := discovery.BrowseMDNS(ctx)
		if err != nil || !reply.Usable() {
			return
		}
		select {
		case a.mdnsCh <- reply:
		default:
		}
	}()
}

// Stop runs the graceful-shutdown sequence. The order is the contract:
//
//  1. Raise the stop flag both workers poll every iteration.
//  2. Close the sockets; that unblocks any worker waiting in a read.
//  3. Flush and close any open destination file.
//  4. Wait a bounded grace period for voluntary worker exit.
//  5. Abandon stragglers, taking the render mutex (bounded) first so
//     the render worker is never abandoned mid-repaint.
//  6. Release network hardware only once no worker can touch it.
//  7. Mutexes need no teardown in Go; they die with the activity.
func (a *Activity) Stop() {
	if !a.started {
		return
	}
	a.started = false

	logrus.WithFields(logrus.Fields{
		"function": "Stop",
	}).Info("Beginning graceful shutdown")

	a.shouldStop.Store(true)

	if a.mdnsCancel != nil {
		a.mdnsCancel()
	}
	_ = a.disc.Close()
	a.session.closeConn()

	a.session.closeSink()

	netOK := waitDone(a.netDone, a.cfg.ShutdownGrace)
	renderOK := waitDone(a.renderDone, a.cfg.ShutdownGrace)

	if !netOK {
		logrus.WithFields(logrus.Fields{
			"function": "Stop",
		}).Warn("Network worker did not exit within grace period")
	}
	if !renderOK {
		// Take the render mutex before abandoning the worker so it is
		// not left holding display resources mid-repaint. A timeout
		// here means it exited while holding the lock; proceed anyway.
		if a.lockRenderBounded(a.cfg.RenderMutexWait) {
			a.renderMu.Unlock()
		} else {
			logrus.WithFields(logrus.Fields{
				"function": "Stop",
			}).Warn("Render mutex not acquired within bound, proceeding")
		}
	}

	if a.ReleaseNetwork != nil {
		a.ReleaseNetwork()
	}

	logrus.WithFields(logrus.Fields{
		"function": "Stop",
	}).Info("Shutdown complete")
}

// Run drives the activity until ctx is cancelled or the back control
// fires, then shuts down.
func (a *Activity) Run(ctx context.Context, input Input) error {
	if err := a.Start(); err != nil {
		return err
	}
	defer a.Stop()

	ticker := time.NewTicker(a.cfg.RenderInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if input != nil && input.BackPressed() {
				return nil
			}
		}
	}
}

// State exposes the session state for callers and tests.
func (a *Activity) State() State {
	return a.session.State()
}

// networkWorker owns the state machine. Each iteration reads the state
// under the state mutex, performs exactly one state-appropriate
// network action, then idles briefly before re-checking the stop flag.
func (a *Activity) networkWorker() {
	defer close(a.netDone)

	for !a.shouldStop.Load() {
		state := a.session.State()
		// Re-check after the mutex acquisition inside State; the flag
		// may have been raised while waiting on it.
		if a.shouldStop.Load() {
			break
		}

		switch {
		case state.terminal():
			// Complete, Disconnected and Error idle until the user exits.
			time.Sleep(100 * time.Millisecond)
		case state == StateDiscovering:
			a.discoverOnce()
		case state == StateConnecting:
			a.session.connect(a.shouldStop.Load)
		default:
			a.session.poll()
		}

		time.Sleep(a.cfg.NetIdle)
	}

	logrus.WithFields(logrus.Fields{
		"function": "networkWorker",
	}).Info("Network worker exiting")
}

// discoverOnce broadcasts one greeting round, then listens for the
// reply in short increments so shutdown stays prompt. An mDNS result
// is consulted only when the UDP channel stayed quiet.
func (a *Activity) discoverOnce() {
	a.disc.Broadcast()

	rounds := int(a.cfg.DiscoveryWait / a.cfg.ReadPollTimeout)
	if rounds < 1 {
		rounds = 1
	}
	for i := 0; i < rounds; i++ {
		if a.shouldStop.Load() {
			return
		}
		if reply := a.disc.Poll(a.cfg.ReadPollTimeout); reply.Usable() {
			a.session.adoptPeer(reply)
			return
		}
	}

	// A nil mdnsCh (mDNS disabled) never delivers; the default arm
	// keeps the select non-blocking either way.
	select {
	case reply := <-a.mdnsCh:
		if reply.Usable() {
			a.session.adoptPeer(reply)
		}
	default:
	}
}

// renderWorker repaints on a fixed period whenever a repaint was
// requested, holding the render mutex for the duration of the paint.
func (a *Activity) renderWorker() {
	defer close(a.renderDone)

	for !a.shouldStop.Load() {
		if a.repaint.CompareAndSwap(true, false) {
			a.renderMu.Lock()
			a.render()
			a.renderMu.Unlock()
		}
		time.Sleep(a.cfg.RenderInterval)
	}

	logrus.WithFields(logrus.Fields{
		"function": "renderWorker",
	}).Info("Render worker exiting")
}

// render paints the current session snapshot. The engine decides what
// to show; the renderer decides how.
func (a *Activity) render() {
	if a.renderer == nil {
		return
	}
	snap := a.session.snapshot()
	width, height := a.renderer.Size()

	a.renderer.Clear()
	a.renderer.DrawCenteredText(0, "Calibre Wireless")

	y := height/2 - 4
	for _, line := range strings.Split(snap.statusText, "\n") {
		a.renderer.DrawCenteredText(y, line)
		y++
	}

	if snap.state == StateReceiving && snap.total > 0 {
		a.renderer.DrawCenteredText(y+1, snap.fileName)
		a.renderer.DrawProgressBar(2, y+2, width-4, 1, snap.received, snap.total)
	}

	if snap.errorText != "" {
		a.renderer.DrawCenteredText(height-2, snap.errorText)
	}

	a.renderer.Present()
}

// lockRenderBounded tries to take the render mutex for up to wait.
func (a *Activity) lockRenderBounded(wait time.Duration) bool {
	deadline := time.Now().Add(wait)
	for {
		if a.renderMu.TryLock() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// waitDone waits for ch to close, up to timeout.
func waitDone(ch chan struct{}, timeout time.Duration) bool {
	select {
	case <-ch:
		return true
	case <-time.After(timeout):
		return false
	}
}
