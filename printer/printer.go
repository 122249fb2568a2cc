// Package printer drives a Marlin-firmware machine through Z-probe
// offset calibration over a synchronous command channel.
package printer

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/marlinkit/probecal/config"
	"github.com/marlinkit/probecal/marlin"
)

// Printer is one calibration session: it owns the command channel
// and carries everything learned about the machine along the way.
type Printer struct {
	conn *marlin.Conn
	cfg  *config.Config

	state   State
	phase   Phase
	samples []float64
	offset  float64

	mx   sync.Mutex
	last Status

	status chan Status

	// sleep and now are swapped out in tests so settle delays and
	// poll deadlines take no real time.
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

func New(conn *marlin.Conn, cfg *config.Config) *Printer {
	return &Printer{
		conn:   conn,
		cfg:    cfg,
		phase:  PhaseInit,
		status: make(chan Status),
		sleep:  sleepCtx,
		now:    time.Now,
	}
}

// Status returns the channel phase snapshots are published on.
func (p *Printer) Status() chan Status { return p.status }

// State returns the firmware facts gathered by Discover.
func (p *Printer) State() State { return p.state }

func (p *Printer) send(ctx context.Context, cmd string) (*marlin.Response, error) {
	return p.conn.Send(ctx, cmd, p.cfg.Timeout.Command)
}

// sendLong is for operations like homing and mesh probing that run
// far past the normal acknowledgment budget.
func (p *Printer) sendLong(ctx context.Context, cmd string) (*marlin.Response, error) {
	return p.conn.Send(ctx, cmd, p.cfg.Timeout.Long)
}

// lcd puts a short progress message on the machine's display.
// Cosmetic, so failures only warn.
func (p *Printer) lcd(ctx context.Context, msg string) {
	if _, err := p.send(ctx, "M117 "+msg); err != nil {
		logrus.WithError(err).WithField("message", msg).Warn("lcd message")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
