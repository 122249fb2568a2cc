package printer

import (
	"github.com/sirupsen/logrus"
)

// Phase identifies how far a calibration session has progressed.
// Transitions are strictly forward; any failure ends in PhaseAborted.
type Phase string

const (
	PhaseInit           Phase = "init"
	PhaseLevelingReset  Phase = "leveling-reset"
	PhaseHomed          Phase = "homed"
	PhaseHeated         Phase = "heated"
	PhasePositioned     Phase = "positioned"
	PhaseCoarseProbed   Phase = "coarse-probed"
	PhaseFineProbed     Phase = "fine-probed"
	PhaseOffsetComputed Phase = "offset-computed"
	PhasePersisted      Phase = "persisted"
	PhaseDone           Phase = "done"
	PhaseAborted        Phase = "aborted"
)

// Status is a point-in-time snapshot of a calibration session.
type Status struct {
	Phase   Phase     `json:"phase"`
	Samples []float64 `json:"samples,omitempty"`
	Offset  float64   `json:"offset"`
	Error   string    `json:"error,omitempty"`
}

func (p *Printer) setPhase(phase Phase) {
	p.phase = phase
	logrus.WithField("phase", phase).Info("calibration phase")
	p.publish(p.snapshot())
}

func (p *Printer) snapshot() Status {
	return Status{
		Phase:   p.phase,
		Samples: append([]float64(nil), p.samples...),
		Offset:  p.offset,
	}
}

// publish records the snapshot and offers it to the status channel.
// A slow observer misses snapshots rather than stalling the session.
func (p *Printer) publish(s Status) {
	p.mx.Lock()
	p.last = s
	p.mx.Unlock()
	select {
	case p.status <- s:
	default:
	}
}

// Current returns the most recently published snapshot.
func (p *Printer) Current() Status {
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.last
}
