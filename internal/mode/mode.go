// Package mode tracks the proxy's cloud-attempt policy. The configured mode
// (online, hybrid, offline) is process-wide and immutable at runtime; the
// hybrid sub-state (probing vs offline, failure counting, probe windows) is
// per BOX session and lives in a Controller owned by that session.
//
// The hysteresis is deliberately asymmetric: it takes FailThreshold
// consecutive failures to stop attempting the cloud, but a single
// successful exchange to resume. Transient cloud flakiness is common and
// the proxy must not thrash between states.
package mode

import (
	"fmt"
	"sync"
	"time"
)

// =============================================================================
// Configured Mode
// =============================================================================

// Mode is the operator-configured cloud policy.
type Mode string

const (
	// ModeOnline always attempts the cloud; failures are rescued per frame
	// with a local reply but never change state.
	ModeOnline Mode = "online"

	// ModeHybrid attempts the cloud until failures cross the threshold,
	// then answers locally and probes once per retry interval.
	ModeHybrid Mode = "hybrid"

	// ModeOffline never touches the cloud.
	ModeOffline Mode = "offline"
)

// String returns the mode name.
func (m Mode) String() string { return string(m) }

// IsValid reports whether m is a recognized mode.
func (m Mode) IsValid() bool {
	switch m {
	case ModeOnline, ModeHybrid, ModeOffline:
		return true
	}
	return false
}

// ParseMode converts a configuration string to a Mode.
func ParseMode(s string) (Mode, error) {
	m := Mode(s)
	if !m.IsValid() {
		return "", fmt.Errorf("mode: invalid mode %q", s)
	}
	return m, nil
}

// =============================================================================
// Hybrid Sub-state
// =============================================================================

// State is the dynamic hybrid sub-state.
type State string

const (
	// StateProbing means every frame is attempted against the cloud first.
	StateProbing State = "probing"

	// StateOffline means frames are answered locally and the cloud is
	// probed at most once per retry interval.
	StateOffline State = "offline"
)

// Transition describes one hybrid state change, for the event bus.
type Transition struct {
	From      State
	To        State
	Reason    string
	FailCount int
}

// TransitionFunc observes hybrid state changes. It is invoked outside the
// controller's lock.
type TransitionFunc func(Transition)

// =============================================================================
// Configuration
// =============================================================================

// Default hysteresis parameters.
const (
	DefaultFailThreshold = 1
	DefaultRetryInterval = 60 * time.Second
)

// Config parameterizes a Controller.
type Config struct {
	// Mode is the configured cloud policy.
	Mode Mode

	// FailThreshold is how many consecutive cloud failures flip a hybrid
	// controller to StateOffline. Defaults to 1.
	FailThreshold int

	// RetryInterval is the minimum gap between cloud probes while in
	// StateOffline. Defaults to 60s.
	RetryInterval time.Duration

	// OnTransition, if set, observes hybrid state changes.
	OnTransition TransitionFunc

	// Now is a clock override for tests. Defaults to time.Now.
	Now func() time.Time
}

func (c *Config) applyDefaults() {
	if !c.Mode.IsValid() {
		c.Mode = ModeHybrid
	}
	if c.FailThreshold <= 0 {
		c.FailThreshold = DefaultFailThreshold
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// =============================================================================
// Controller
// =============================================================================

// Controller decides, per frame, whether the owning session should attempt
// the cloud, and records the outcomes of those attempts. It is a small
// mutex-guarded value, not a long-lived actor; one Controller exists per
// BOX session.
type Controller struct {
	cfg Config

	mu          sync.Mutex
	failCount   int
	inOffline   bool
	lastProbeAt time.Time
}

// New creates a Controller for one session.
func New(cfg Config) *Controller {
	cfg.applyDefaults()
	return &Controller{cfg: cfg}
}

// Mode returns the configured mode.
func (c *Controller) Mode() Mode { return c.cfg.Mode }

// ShouldTryCloud reports whether the next frame should be attempted against
// the cloud. In hybrid StateOffline a true result claims the probe window:
// lastProbeAt is advanced regardless of how the probe turns out, so a
// failing probe extends the window.
func (c *Controller) ShouldTryCloud() bool {
	switch c.cfg.Mode {
	case ModeOffline:
		return false
	case ModeOnline:
		return true
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.inOffline {
		return true
	}
	now := c.cfg.Now()
	if now.Sub(c.lastProbeAt) >= c.cfg.RetryInterval {
		c.lastProbeAt = now
		return true
	}
	return false
}

// RecordSuccess notes a successful cloud exchange. A single success resets
// the failure count and, in hybrid, returns the controller to StateProbing.
func (c *Controller) RecordSuccess() {
	if c.cfg.Mode != ModeHybrid {
		return
	}

	c.mu.Lock()
	c.failCount = 0
	wasOffline := c.inOffline
	c.inOffline = false
	c.mu.Unlock()

	if wasOffline {
		c.notify(Transition{
			From:   StateOffline,
			To:     StateProbing,
			Reason: "cloud exchange succeeded",
		})
	}
}

// RecordFailure notes a failed cloud attempt. Crossing the threshold flips
// a hybrid controller to StateOffline and stamps the probe window so the
// next retry waits a full interval.
func (c *Controller) RecordFailure() {
	if c.cfg.Mode != ModeHybrid {
		return
	}

	c.mu.Lock()
	c.failCount++
	count := c.failCount
	crossed := !c.inOffline && count >= c.cfg.FailThreshold
	if crossed {
		c.inOffline = true
		c.lastProbeAt = c.cfg.Now()
	}
	c.mu.Unlock()

	if crossed {
		c.notify(Transition{
			From:      StateProbing,
			To:        StateOffline,
			Reason:    "consecutive cloud failures reached threshold",
			FailCount: count,
		})
	}
}

// State returns the current hybrid sub-state. Online controllers report
// StateProbing, offline controllers StateOffline.
func (c *Controller) State() State {
	switch c.cfg.Mode {
	case ModeOnline:
		return StateProbing
	case ModeOffline:
		return StateOffline
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inOffline {
		return StateOffline
	}
	return StateProbing
}

// FailCount returns the current consecutive-failure count.
func (c *Controller) FailCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failCount
}

func (c *Controller) notify(t Transition) {
	if c.cfg.OnTransition != nil {
		c.cfg.OnTransition(t)
	}
}
