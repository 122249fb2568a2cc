package printer

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/marlinkit/probecal/gcode"
	"github.com/marlinkit/probecal/marlin"
)

// homingSettle lets the gantry stop ringing after G28 before
// anything else moves.
const homingSettle = 10 * time.Second

// cleanupTimeout bounds the best-effort safety commands issued on
// the failure path.
const cleanupTimeout = 30 * time.Second

// Calibrate runs the full pipeline and returns the Z offset stored
// on the machine. Any failure aborts the session: the probe is
// stowed, the bed heater shut off, and the cause surfaced.
func (p *Printer) Calibrate(ctx context.Context) (float64, error) {
	off, err := p.run(ctx)
	if err != nil {
		p.abort(err)
		return 0, err
	}
	return off, nil
}

func (p *Printer) run(ctx context.Context) (float64, error) {
	p.setPhase(PhaseInit)
	p.lcd(ctx, "Probe calibration starting")
	if err := p.Discover(ctx); err != nil {
		return 0, err
	}

	// compensation off and stored mesh cleared, so probing measures
	// the physical bed
	if _, err := p.send(ctx, "M420 S0 Z0"); err != nil {
		return 0, errors.Wrap(err, "disable bed leveling")
	}
	p.setPhase(PhaseLevelingReset)

	if p.cfg.Probe.SkipHoming {
		logrus.Info("homing skipped")
	} else {
		p.lcd(ctx, "Homing")
		if _, err := p.sendLong(ctx, "G28"); err != nil {
			return 0, errors.Wrap(err, "home axes")
		}
		if err := p.sleep(ctx, homingSettle); err != nil {
			return 0, err
		}
	}
	p.setPhase(PhaseHomed)

	if p.cfg.Bed.TargetTemp > 0 {
		if err := p.heatBed(ctx); err != nil {
			return 0, err
		}
	}
	p.setPhase(PhaseHeated)

	if err := p.position(ctx); err != nil {
		return 0, err
	}
	p.setPhase(PhasePositioned)

	p.lcd(ctx, "Coarse probing")
	trigger, err := p.CoarseProbe(ctx)
	if err != nil {
		return 0, err
	}
	p.setPhase(PhaseCoarseProbed)

	p.lcd(ctx, "Fine probing")
	samples, err := p.FineProbe(ctx, trigger)
	if err != nil {
		return 0, err
	}
	p.setPhase(PhaseFineProbed)

	p.offset = computeOffset(samples)
	p.state.Offset.Z = p.offset
	p.setPhase(PhaseOffsetComputed)
	logrus.WithFields(logrus.Fields{
		"samples": samples,
		"offset":  p.offset,
	}).Info("probe offset computed")

	if err := p.persist(ctx); err != nil {
		return 0, err
	}
	p.setPhase(PhasePersisted)

	p.lcd(ctx, "Calibration complete")
	p.setPhase(PhaseDone)
	return p.offset, nil
}

// computeOffset folds the fine-probe samples into the value stored
// on the machine. The probe triggers above the nozzle tip, so the
// stored Z offset is the negated mean trigger height. The sign is
// applied here and nowhere else.
func computeOffset(samples []float64) float64 {
	var sum float64
	for _, s := range samples {
		sum += s
	}
	return -(sum / float64(len(samples)))
}

func (p *Printer) heatBed(ctx context.Context) error {
	target := p.cfg.Bed.TargetTemp
	p.lcd(ctx, fmt.Sprintf("Heating bed to %.0fC", target))
	heat := gcode.Block{{W: 'M', Arg: 140}, {W: 'S', Arg: target}}.String()
	if _, err := p.send(ctx, heat); err != nil {
		return errors.Wrap(err, "heat bed")
	}

	pl := Poller{
		Interval: p.cfg.Timeout.PollInterval,
		Deadline: p.cfg.Timeout.HeatDeadline,
		sleep:    p.sleep,
		now:      p.now,
	}
	err := pl.Run(ctx, func(ctx context.Context) (bool, error) {
		resp, err := p.send(ctx, "M105")
		if err != nil {
			if marlin.IsTimeout(err) {
				logrus.WithError(err).Warn("temperature query timed out")
				return false, nil
			}
			return false, errors.Wrap(err, "query temperature")
		}
		temps, terr := marlin.ParseTemperatures(resp.Lines)
		if terr != nil {
			logrus.WithError(terr).Warn("temperature report unparsable")
			return false, nil
		}
		logrus.WithFields(logrus.Fields{
			"bed":    temps.Bed,
			"target": target,
		}).Debug("bed heating")
		return temps.Bed >= target, nil
	})
	return errors.Wrap(err, "wait for bed temperature")
}

func (p *Printer) position(ctx context.Context) error {
	p.lcd(ctx, "Moving to bed center")
	if _, err := p.send(ctx, "G90"); err != nil {
		return errors.Wrap(err, "set absolute positioning")
	}
	raise := gcode.Block{
		{W: 'G', Arg: 0},
		{W: 'F', Arg: 500},
		{W: 'Z', Arg: p.cfg.Probe.SafeHeight},
	}.String()
	if _, err := p.send(ctx, raise); err != nil {
		return errors.Wrap(err, "raise to safe height")
	}
	if err := p.sleep(ctx, p.cfg.Probe.MoveSettle); err != nil {
		return err
	}

	c := p.state.Center()
	center := gcode.Block{
		{W: 'G', Arg: 0},
		{W: 'F', Arg: 5000},
		{W: 'X', Arg: c.X},
		{W: 'Y', Arg: c.Y},
	}.String()
	if _, err := p.send(ctx, center); err != nil {
		return errors.Wrap(err, "move to bed center")
	}
	return p.sleep(ctx, p.cfg.Probe.MoveSettle)
}

func (p *Printer) persist(ctx context.Context) error {
	store := gcode.Block{{W: 'M', Arg: 851}, {W: 'Z', Arg: p.offset}}.String()
	if _, err := p.send(ctx, store); err != nil {
		return errors.Wrap(err, "store probe offset")
	}
	if p.cfg.Bed.DisableAfter {
		if _, err := p.send(ctx, "M140 S0"); err != nil {
			return errors.Wrap(err, "disable bed heater")
		}
	}
	if p.cfg.Mesh.RunAfter {
		p.lcd(ctx, "Probing bed mesh")
		if _, err := p.sendLong(ctx, "G29 P1"); err != nil {
			return errors.Wrap(err, "probe mesh")
		}
		for i := 0; i < p.cfg.Mesh.RefinePasses; i++ {
			if _, err := p.sendLong(ctx, "G29 P3"); err != nil {
				return errors.Wrap(err, "refine mesh")
			}
		}
	}
	if _, err := p.send(ctx, "M500"); err != nil {
		return errors.Wrap(err, "save settings")
	}
	return nil
}

// abort leaves the machine safe after a failure: probe retracted,
// bed heater off. Runs on a fresh context since the session's may
// already be canceled.
func (p *Printer) abort(cause error) {
	logrus.WithError(cause).Error("calibration aborted")

	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if _, err := p.conn.Send(ctx, probeStow, p.cfg.Timeout.Command); err != nil {
		logrus.WithError(err).Warn("stow probe during abort")
	}
	if _, err := p.conn.Send(ctx, "M140 S0", p.cfg.Timeout.Command); err != nil {
		logrus.WithError(err).Warn("disable bed heater during abort")
	}
	p.lcd(ctx, "Calibration failed")

	p.phase = PhaseAborted
	s := p.snapshot()
	s.Error = cause.Error()
	p.publish(s)
}
