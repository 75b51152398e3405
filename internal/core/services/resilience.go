package services

import (
	"time"

	"novalink/internal/core/domain"
)

// ResilienceConfig bounds recovery of a degraded peer link.
type ResilienceConfig struct {
	// MaxRestarts is the ICE restart budget per match cycle.
	MaxRestarts int
	// Grace is how long a disconnected link may self-heal before a restart
	// is attempted.
	Grace time.Duration
}

// ResilienceAction is the controller's verdict on a link event.
type ResilienceAction int

const (
	// ResilienceNone requires nothing from the session.
	ResilienceNone ResilienceAction = iota
	// ResilienceDegraded means the link dropped and a grace window started.
	ResilienceDegraded
	// ResilienceRestart instructs the session to issue an ICE restart.
	ResilienceRestart
	// ResilienceRecovered means a degraded link came back on its own or
	// after a restart.
	ResilienceRecovered
	// ResilienceGiveUp means the budget is spent and the cycle is lost.
	ResilienceGiveUp
)

func (a ResilienceAction) String() string {
	switch a {
	case ResilienceNone:
		return "none"
	case ResilienceDegraded:
		return "degraded"
	case ResilienceRestart:
		return "restart"
	case ResilienceRecovered:
		return "recovered"
	case ResilienceGiveUp:
		return "give_up"
	default:
		return "unknown"
	}
}

// stopper is the slice of *time.Timer the controller needs; tests substitute
// manual timers.
type stopper interface {
	Stop() bool
}

// resilienceController decides when a degraded link gets an ICE restart and
// when the cycle is abandoned. It is owned by the session event loop and is
// not safe for concurrent use. The grace callback fires on a timer goroutine
// and must only post back into the loop.
type resilienceController struct {
	cfg     ResilienceConfig
	onGrace func()

	// schedule is time.AfterFunc unless a test injects its own.
	schedule func(d time.Duration, fn func()) stopper

	initiator bool
	restarts  int
	degraded  bool
	grace     stopper
}

func newResilienceController(cfg ResilienceConfig, onGrace func()) *resilienceController {
	return &resilienceController{
		cfg:     cfg,
		onGrace: onGrace,
		schedule: func(d time.Duration, fn func()) stopper {
			return time.AfterFunc(d, fn)
		},
	}
}

// BeginCycle resets the budget for a fresh match.
func (c *resilienceController) BeginCycle(initiator bool) {
	c.cancelGrace()
	c.initiator = initiator
	c.restarts = 0
	c.degraded = false
}

// EndCycle cancels any pending grace window.
func (c *resilienceController) EndCycle() {
	c.cancelGrace()
	c.degraded = false
}

// Restarts reports the number of recovery attempts spent this cycle.
func (c *resilienceController) Restarts() int {
	return c.restarts
}

// HandleLinkState maps one transport transition to an action.
//
// A disconnected link gets a grace window first: transient drops usually
// self-heal and a restart would churn candidates for nothing. A failed link
// gets no such window on the initiator side. The responder cannot issue
// restart offers, so on failure it opens a rescue window and waits for the
// initiator's restart to arrive over signaling.
func (c *resilienceController) HandleLinkState(state domain.LinkState) ResilienceAction {
	switch {
	case state.Healthy():
		c.cancelGrace()
		c.restarts = 0
		if c.degraded {
			c.degraded = false
			return ResilienceRecovered
		}
		return ResilienceNone

	case state == domain.LinkDisconnected:
		if c.degraded {
			return ResilienceNone
		}
		c.degraded = true
		c.startGrace()
		return ResilienceDegraded

	case state == domain.LinkFailed:
		c.degraded = true
		if !c.initiator {
			// Wait out one rescue window per budget slot.
			c.startGrace()
			return ResilienceDegraded
		}
		c.cancelGrace()
		return c.spendAttempt()

	default:
		return ResilienceNone
	}
}

// HandleGraceElapsed is called by the session loop when a grace window fired
// and the link is still degraded.
func (c *resilienceController) HandleGraceElapsed() ResilienceAction {
	if !c.degraded {
		// The link recovered between the timer firing and the loop
		// draining the message.
		return ResilienceNone
	}
	c.grace = nil
	action := c.spendAttempt()
	if action == ResilienceDegraded {
		// Responder: keep waiting through the next window.
		c.startGrace()
	}
	return action
}

func (c *resilienceController) spendAttempt() ResilienceAction {
	if c.restarts >= c.cfg.MaxRestarts {
		return ResilienceGiveUp
	}
	c.restarts++
	if c.initiator {
		return ResilienceRestart
	}
	return ResilienceDegraded
}

func (c *resilienceController) startGrace() {
	c.cancelGrace()
	c.grace = c.schedule(c.cfg.Grace, c.onGrace)
}

func (c *resilienceController) cancelGrace() {
	if c.grace != nil {
		c.grace.Stop()
		c.grace = nil
	}
}
