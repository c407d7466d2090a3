package orchestrator

import (
	"errors"
	"time"
)

// ErrNotAuthenticated is returned by triggers that need a signed-in caller
var ErrNotAuthenticated = errors.New("orchestrator: not authenticated")

// Status is the externally observable sync status
type Status struct {
	State string
	// LastSyncedAt is zero until a cycle completes without error.
	LastSyncedAt time.Time
	// Error is the last failure of the most recent cycle, verbatim.
	Error string
	// ErrorCount is how many steps of the most recent cycle failed.
	ErrorCount      int
	PendingCount    int
	DeadLetterCount int
}

// trigger identifies what asked for a cycle. Concurrent requests with the
// same trigger share one execution.
type trigger string

const (
	triggerLogin     trigger = "login"
	triggerTick      trigger = "tick"
	triggerReconnect trigger = "reconnect"
	triggerManual    trigger = "manual"
)

// cycle collects step failures. The first failure makes the cycle fail;
// later successes do not clear it.
type cycle struct {
	trigger trigger
	errs    []error
}

func (c *cycle) fail(err error) {
	if err != nil {
		c.errs = append(c.errs, err)
	}
}

func (c *cycle) failed() bool {
	return len(c.errs) > 0
}

func (c *cycle) last() error {
	if len(c.errs) == 0 {
		return nil
	}
	return c.errs[len(c.errs)-1]
}
