package mpstest

import "github.com/transport-security/mps"

// ManualTimer is a deterministic mps.Timer driven by explicit Advance calls
// instead of wall-clock time, so retransmission-backoff tests are
// reproducible.
type ManualTimer struct {
	now            int
	intermediateAt int
	finalAt        int
	armed          bool
}

func NewManualTimer() *ManualTimer { return &ManualTimer{} }

func (t *ManualTimer) Set(intermediateMS, finalMS int) {
	t.armed = true
	t.intermediateAt = t.now + intermediateMS
	t.finalAt = t.now + finalMS
}

func (t *ManualTimer) Cancel() { t.armed = false }

func (t *ManualTimer) Get() mps.TimerState {
	if !t.armed {
		return mps.TimerCancelled
	}
	switch {
	case t.now >= t.finalAt:
		return mps.TimerExpired
	case t.now >= t.intermediateAt:
		return mps.TimerPostIntermediate
	default:
		return mps.TimerPreIntermediate
	}
}

// Advance moves the simulated clock forward by ms milliseconds and reports
// the resulting state.
func (t *ManualTimer) Advance(ms int) mps.TimerState {
	t.now += ms
	return t.Get()
}
