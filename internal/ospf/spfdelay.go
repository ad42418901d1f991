package ospf

import (
	"time"

	"github.com/dantte-lp/gorouted/internal/task"
)

// -------------------------------------------------------------------------
// SPF delay state machine (RFC 8405 style back-off)
// -------------------------------------------------------------------------

// SpfDelayState is the delay FSM state.
type SpfDelayState uint8

const (
	SpfQuiet SpfDelayState = iota
	SpfShortWait
	SpfLongWait
)

// String returns the state name.
func (s SpfDelayState) String() string {
	switch s {
	case SpfQuiet:
		return "Quiet"
	case SpfShortWait:
		return "ShortWait"
	case SpfLongWait:
		return "LongWait"
	default:
		return "Unknown"
	}
}

// SpfDelayEvent is a delay-FSM timer firing, posted back to the instance
// main loop which calls the matching Handle method. Timer callbacks never
// mutate the scheduler directly.
type SpfDelayEvent uint8

const (
	SpfEvDelay SpfDelayEvent = iota
	SpfEvLearn
	SpfEvHoldDown
)

// SpfDelayConfig are the timers of the delay FSM.
type SpfDelayConfig struct {
	// InitialDelay applies in Quiet state.
	InitialDelay time.Duration
	// ShortDelay applies in ShortWait state.
	ShortDelay time.Duration
	// LongDelay applies in LongWait state.
	LongDelay time.Duration
	// HoldDown returns to Quiet after a calm period.
	HoldDown time.Duration
	// TimeToLearn promotes ShortWait to LongWait when instability
	// persists.
	TimeToLearn time.Duration
}

// DefaultSpfDelayConfig returns the RFC 8405 suggested values.
func DefaultSpfDelayConfig() SpfDelayConfig {
	return SpfDelayConfig{
		InitialDelay: 50 * time.Millisecond,
		ShortDelay:   200 * time.Millisecond,
		LongDelay:    5 * time.Second,
		HoldDown:     10 * time.Second,
		TimeToLearn:  500 * time.Millisecond,
	}
}

// SpfScheduler coalesces SPF triggers through the delay FSM. It is owned
// by the instance main loop; its timers post SpfDelayEvents back through
// post, and the loop calls HandleEvent.
type SpfScheduler struct {
	Config SpfDelayConfig
	State  SpfDelayState

	// scheduled is true while a computation awaits its delay timer.
	scheduled bool
	delay     *task.Timeout
	holdDown  *task.Timeout
	learn     *task.Timeout

	post func(SpfDelayEvent)
	// runSpf performs the computation, called from HandleEvent on
	// delay expiry.
	runSpf func()
}

// NewSpfScheduler creates a scheduler in Quiet state.
func NewSpfScheduler(cfg SpfDelayConfig, post func(SpfDelayEvent), runSpf func()) *SpfScheduler {
	return &SpfScheduler{Config: cfg, post: post, runSpf: runSpf}
}

// Schedule requests a computation. The delay depends on the FSM state;
// repeated triggers while one is pending are absorbed.
func (s *SpfScheduler) Schedule() {
	// Any IGP event restarts the hold-down clock.
	s.holdDown.Stop()
	s.holdDown = task.NewTimeout(s.Config.HoldDown, func() { s.post(SpfEvHoldDown) })

	switch s.State {
	case SpfQuiet:
		s.State = SpfShortWait
		s.learn.Stop()
		s.learn = task.NewTimeout(s.Config.TimeToLearn, func() { s.post(SpfEvLearn) })
		s.arm(s.Config.InitialDelay)
	case SpfShortWait:
		s.arm(s.Config.ShortDelay)
	case SpfLongWait:
		s.arm(s.Config.LongDelay)
	}
}

// arm starts the delay timer unless a computation is already pending.
func (s *SpfScheduler) arm(d time.Duration) {
	if s.scheduled {
		return
	}
	s.scheduled = true
	s.delay = task.NewTimeout(d, func() { s.post(SpfEvDelay) })
}

// HandleEvent applies one timer event on the main loop.
func (s *SpfScheduler) HandleEvent(ev SpfDelayEvent) {
	switch ev {
	case SpfEvDelay:
		if !s.scheduled {
			return // superseded timer, idempotent
		}
		s.scheduled = false
		s.runSpf()
	case SpfEvLearn:
		if s.State == SpfShortWait {
			s.State = SpfLongWait
		}
	case SpfEvHoldDown:
		s.State = SpfQuiet
		s.learn.Stop()
		s.learn = nil
	}
}

// Pending reports whether a computation awaits its delay timer.
func (s *SpfScheduler) Pending() bool { return s.scheduled }

// Close stops the scheduler's timers.
func (s *SpfScheduler) Close() {
	s.delay.Stop()
	s.holdDown.Stop()
	s.learn.Stop()
}
