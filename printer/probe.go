package printer

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/marlinkit/probecal/gcode"
	"github.com/marlinkit/probecal/marlin"
)

// ErrProbeNeverTriggered is returned when a descent reaches the zero
// floor without the probe reporting contact. The height estimate is
// meaningless at that point and calibration must not continue.
var ErrProbeNeverTriggered = errors.New("probe never triggered before reaching the bed")

// BLTouch servo angles.
const (
	probeDeploy = "M280 P0 S10"
	probeStow   = "M280 P0 S160"
)

// Deploy extends the probe pin, then waits for it to settle.
func (p *Printer) Deploy(ctx context.Context) error {
	if _, err := p.send(ctx, probeDeploy); err != nil {
		return errors.Wrap(err, "deploy probe")
	}
	return p.sleep(ctx, p.cfg.Probe.DeploySettle)
}

// Stow retracts the probe pin. The settle delay covers the
// self-test wiggle some probes run after retracting; no command is
// safe until it finishes.
func (p *Printer) Stow(ctx context.Context) error {
	if _, err := p.send(ctx, probeStow); err != nil {
		return errors.Wrap(err, "stow probe")
	}
	return p.sleep(ctx, p.cfg.Probe.StowSettle)
}

// stowQuiet is the failure path: retract on a fresh context and log
// instead of propagating, so the original error survives.
func (p *Printer) stowQuiet() {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if _, err := p.conn.Send(ctx, probeStow, p.cfg.Timeout.Command); err != nil {
		logrus.WithError(err).Warn("stow probe after failure")
	}
}

// ProbeState queries the endstop report for the probe's state.
// An unparsable or timed-out report maps to ProbeUnknown; the caller
// keeps descending and the zero floor bounds the damage.
func (p *Printer) ProbeState(ctx context.Context) (marlin.ProbeState, error) {
	resp, err := p.send(ctx, "M119")
	if err != nil {
		if marlin.IsTimeout(err) {
			logrus.WithError(err).Warn("endstop report timed out")
			return marlin.ProbeUnknown, nil
		}
		return marlin.ProbeUnknown, errors.Wrap(err, "query endstop state")
	}
	return marlin.ParseProbeState(resp.Lines), nil
}

// Triggered reports whether the probe currently reads triggered.
func (p *Printer) Triggered(ctx context.Context) (bool, error) {
	st, err := p.ProbeState(ctx)
	return st == marlin.ProbeTriggered, err
}

// CoarseProbe lowers the nozzle in coarse relative steps until the
// probe reports contact, then reads back the firmware's position for
// the trigger height. The tracked estimate only bounds the descent;
// the M114 report is authoritative.
func (p *Printer) CoarseProbe(ctx context.Context) (float64, error) {
	if err := p.Deploy(ctx); err != nil {
		return 0, err
	}
	if _, err := p.send(ctx, "G91"); err != nil {
		p.stowQuiet()
		return 0, errors.Wrap(err, "set relative positioning")
	}

	step := p.cfg.Probe.CoarseStep
	down := gcode.Block{{W: 'G', Arg: 0}, {W: 'Z', Arg: -step}}.String()
	height := p.cfg.Probe.SafeHeight
	for {
		triggered, err := p.Triggered(ctx)
		if err != nil {
			p.stowQuiet()
			return 0, err
		}
		if triggered {
			break
		}
		if height <= 0 {
			p.stowQuiet()
			return 0, ErrProbeNeverTriggered
		}
		if _, err := p.send(ctx, down); err != nil {
			p.stowQuiet()
			return 0, errors.Wrap(err, "step down")
		}
		height -= step
	}

	resp, err := p.send(ctx, "M114")
	if err != nil {
		p.stowQuiet()
		return 0, errors.Wrap(err, "read position")
	}
	if z, err := marlin.ParseZ(resp.Lines); err == nil {
		height = z
	} else {
		logrus.WithError(err).Warn("position report unparsable, keeping stepped estimate")
	}

	if err := p.Stow(ctx); err != nil {
		return 0, err
	}
	logrus.WithField("height", height).Info("coarse trigger height")
	return height, nil
}

// FineProbe measures the trigger height p.cfg.Probe.Repetitions
// times with small slow steps, each run starting one coarse step
// above the height CoarseProbe found. Returns the samples in order.
func (p *Printer) FineProbe(ctx context.Context, trigger float64) ([]float64, error) {
	start := trigger + p.cfg.Probe.CoarseStep
	samples := make([]float64, 0, p.cfg.Probe.Repetitions)
	for i := 0; i < p.cfg.Probe.Repetitions; i++ {
		h, err := p.fineRun(ctx, start)
		if err != nil {
			return samples, err
		}
		samples = append(samples, h)
		p.samples = append(p.samples, h)
		p.publish(p.snapshot())
		logrus.WithFields(logrus.Fields{
			"run":    i + 1,
			"height": h,
		}).Info("fine probe sample")
	}
	return samples, nil
}

func (p *Printer) fineRun(ctx context.Context, start float64) (float64, error) {
	if _, err := p.send(ctx, "G90"); err != nil {
		return 0, errors.Wrap(err, "set absolute positioning")
	}
	raise := gcode.Block{
		{W: 'G', Arg: 0},
		{W: 'F', Arg: 500},
		{W: 'Z', Arg: p.cfg.Probe.SafeHeight},
	}.String()
	if _, err := p.send(ctx, raise); err != nil {
		return 0, errors.Wrap(err, "raise to safe height")
	}
	if err := p.sleep(ctx, p.cfg.Probe.MoveSettle); err != nil {
		return 0, err
	}
	lower := gcode.Block{{W: 'G', Arg: 0}, {W: 'Z', Arg: start}}.String()
	if _, err := p.send(ctx, lower); err != nil {
		return 0, errors.Wrap(err, "move above trigger height")
	}
	if err := p.sleep(ctx, p.cfg.Probe.MoveSettle); err != nil {
		return 0, err
	}
	if err := p.Deploy(ctx); err != nil {
		return 0, err
	}
	if _, err := p.send(ctx, "G91"); err != nil {
		p.stowQuiet()
		return 0, errors.Wrap(err, "set relative positioning")
	}

	step := p.cfg.Probe.FineStep
	down := gcode.Block{
		{W: 'G', Arg: 1},
		{W: 'Z', Arg: -step},
		{W: 'F', Arg: p.cfg.Probe.FineFeedRate},
	}.String()
	height := start
	for {
		triggered, err := p.Triggered(ctx)
		if err != nil {
			p.stowQuiet()
			return 0, err
		}
		if triggered {
			break
		}
		if height <= 0 {
			p.stowQuiet()
			return 0, ErrProbeNeverTriggered
		}
		if _, err := p.send(ctx, down); err != nil {
			p.stowQuiet()
			return 0, errors.Wrap(err, "step down")
		}
		height -= step
	}

	if err := p.Stow(ctx); err != nil {
		return 0, err
	}
	return height, nil
}
