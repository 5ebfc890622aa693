package calibresync

import (
	"time"

	"github.com/crosspoint-reader/calibresync/discovery"
)

// Config carries the tunable parameters of the transfer engine. Zero
// values are not usable; start from DefaultConfig.
type Config struct {
	// DeviceName is how the reader announces itself to calibre.
	DeviceName string

	// LocalUDPPort is where discovery replies arrive. Port 0 lets the
	// OS choose, which tests use to avoid conflicts.
	LocalUDPPort int

	// EnableMDNS switches on the secondary mDNS discovery channel.
	EnableMDNS bool

	// ConnectTimeout bounds each TCP connect attempt.
	ConnectTimeout time.Duration

	// ReadPollTimeout bounds every socket read so workers observe the
	// shutdown flag promptly.
	ReadPollTimeout time.Duration

	// DiscoveryWait is how long to listen for a reply after each
	// broadcast round, sliced into ReadPollTimeout increments.
	DiscoveryWait time.Duration

	// NetIdle is the pause between network worker iterations.
	NetIdle time.Duration

	// RenderInterval is the render worker's repaint-check period.
	RenderInterval time.Duration

	// ShutdownGrace is how long Stop waits for workers to observe the
	// stop flag and exit on their own.
	ShutdownGrace time.Duration

	// RenderMutexWait bounds the render-mutex acquisition before an
	// unresponsive render worker is abandoned during shutdown.
	RenderMutexWait time.Duration
}

// DefaultConfig returns the timings the firmware ships with.
func DefaultConfig() *Config {
	return &Config{
		DeviceName:      "CrossPoint",
		LocalUDPPort:    discovery.DefaultLocalPort,
		EnableMDNS:      true,
		ConnectTimeout:  5 * time.Second,
		ReadPollTimeout: 50 * time.Millisecond,
		DiscoveryWait:   500 * time.Millisecond,
		NetIdle:         10 * time.Millisecond,
		RenderInterval:  50 * time.Millisecond,
		ShutdownGrace:   200 * time.Millisecond,
		RenderMutexWait: 500 * time.Millisecond,
	}
}
