package printer

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/marlinkit/probecal/coord"
	"github.com/marlinkit/probecal/marlin"
)

// State holds what the firmware has reported about the machine.
type State struct {
	// Volume is the build envelope's max corner.
	Volume coord.Point

	// Offset is the stored probe offset relative to the nozzle.
	Offset coord.Point
}

// Center returns the XY position that parks the probe tip, not the
// nozzle, over the middle of the bed.
func (s State) Center() coord.Point {
	return coord.Point{
		X: s.Volume.X/2 - s.Offset.X,
		Y: s.Volume.Y/2 - s.Offset.Y,
	}
}

// Discover populates State from the firmware: build volume from the
// M115 identity report, stored probe offset from the M851 echo.
// A machine that reports neither still gets calibrated; geometry
// falls back to the configured dimensions and the offset stays zero,
// each with a logged warning.
func (p *Printer) Discover(ctx context.Context) error {
	resp, err := p.send(ctx, "M115")
	if err != nil && !marlin.IsTimeout(err) {
		return errors.Wrap(err, "identify firmware")
	}
	vol, verr := marlin.ParseBuildVolume(resp.Lines)
	if verr != nil {
		vol = coord.Point{X: p.cfg.Bed.FallbackWidth, Y: p.cfg.Bed.FallbackHeight}
		logrus.WithError(verr).WithFields(logrus.Fields{
			"width":  vol.X,
			"height": vol.Y,
		}).Warn("no build area reported, using fallback dimensions")
	}
	p.state.Volume = vol

	resp, err = p.send(ctx, "M851")
	if err != nil && !marlin.IsTimeout(err) {
		return errors.Wrap(err, "query probe offset")
	}
	off, oerr := marlin.ParseProbeOffset(p.state.Offset, resp.Lines)
	if oerr != nil {
		logrus.WithError(oerr).Warn("no stored probe offset reported")
	}
	p.state.Offset = off

	logrus.WithFields(logrus.Fields{
		"volume": p.state.Volume,
		"offset": p.state.Offset,
	}).Info("machine discovered")
	return nil
}
