package printer

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marlinkit/probecal/config"
	"github.com/marlinkit/probecal/coord"
	"github.com/marlinkit/probecal/marlin"
)

// scriptPort answers each written command from a script and records
// everything that happens to it. The printer's sleep seam records
// into the same log, so tests can assert ordering between commands
// and settle delays.
type scriptPort struct {
	script func(cmd string) []string

	pr *io.PipeReader
	pw *io.PipeWriter

	mx  sync.Mutex
	ops []string
}

func newScriptPort(script func(cmd string) []string) *scriptPort {
	pr, pw := io.Pipe()
	return &scriptPort{script: script, pr: pr, pw: pw}
}

func (f *scriptPort) Read(p []byte) (int, error) { return f.pr.Read(p) }

func (f *scriptPort) Write(p []byte) (int, error) {
	cmd := strings.TrimSpace(string(p))
	f.record("tx " + cmd)
	if lines := f.script(cmd); len(lines) > 0 {
		if _, err := io.WriteString(f.pw, strings.Join(lines, "\n")+"\n"); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

func (f *scriptPort) Flush() error { return nil }

func (f *scriptPort) Close() error {
	f.pw.Close()
	return f.pr.Close()
}

func (f *scriptPort) record(op string) {
	f.mx.Lock()
	f.ops = append(f.ops, op)
	f.mx.Unlock()
}

func (f *scriptPort) events() []string {
	f.mx.Lock()
	defer f.mx.Unlock()
	return append([]string(nil), f.ops...)
}

// probeScript queues up M119 answers: false reads "open", true reads
// "TRIGGERED". An exhausted queue keeps answering "open".
type probeScript struct {
	reads []bool
}

// add queues opens opens followed by one trigger.
func (s *probeScript) add(opens int) {
	for i := 0; i < opens; i++ {
		s.reads = append(s.reads, false)
	}
	s.reads = append(s.reads, true)
}

func (s *probeScript) next() []string {
	state := "open"
	if len(s.reads) > 0 {
		if s.reads[0] {
			state = "TRIGGERED"
		}
		s.reads = s.reads[1:]
	}
	return []string{"Reporting endstop status", "z_probe: " + state, "ok"}
}

func scriptFor(probe *probeScript) func(cmd string) []string {
	return func(cmd string) []string {
		switch cmd {
		case "M115":
			return []string{
				"FIRMWARE_NAME:Marlin 2.1.2 SOURCE_CODE_URL:github.com/MarlinFirmware/Marlin",
				"area:{full:{min:{x:0.00,y:0.00,z:0.00},max:{x:235.00,y:210.00,z:250.00}}}",
				"ok",
			}
		case "M851":
			return []string{"echo:M851 X10.00 Y-5.00 Z0.00", "ok"}
		case "M105":
			return []string{"ok T:23.50 /0.00 B:65.00 /65.00 @:0 B@:127"}
		case "M119":
			return probe.next()
		case "M114":
			return []string{"X:107.50 Y:110.00 Z:6.00 E:0.00 Count X:8600 Y:8800 Z:2400", "ok"}
		default:
			return []string{"ok"}
		}
	}
}

func testConfig() *config.Config {
	return &config.Config{
		Port: config.PortConfig{Device: "/dev/null", Baud: 115200},
		Bed: config.BedConfig{
			TargetTemp:     65,
			FallbackWidth:  235,
			FallbackHeight: 235,
		},
		Probe: config.ProbeConfig{
			SafeHeight:   7,
			CoarseStep:   0.2,
			FineStep:     0.01,
			FineFeedRate: 50,
			Repetitions:  3,
			SkipHoming:   true,
			DeploySettle: 650 * time.Millisecond,
			StowSettle:   2190 * time.Millisecond,
			MoveSettle:   3 * time.Second,
		},
		Mesh: config.MeshConfig{RefinePasses: 2},
		Timeout: config.TimeoutConfig{
			Command:      time.Second,
			Long:         5 * time.Second,
			HeatDeadline: 20 * time.Minute,
			PollInterval: time.Second,
		},
	}
}

func newTestPrinter(t *testing.T, cfg *config.Config, script func(cmd string) []string) (*Printer, *scriptPort) {
	t.Helper()
	port := newScriptPort(script)
	conn := marlin.NewConn(port)
	t.Cleanup(func() { conn.Close() })

	p := New(conn, cfg)
	p.sleep = func(ctx context.Context, d time.Duration) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		port.record("sleep " + d.String())
		return nil
	}
	return p, port
}

func filterEvents(events []string, prefix string) []string {
	var out []string
	for _, ev := range events {
		if strings.HasPrefix(ev, prefix) {
			out = append(out, ev)
		}
	}
	return out
}

func indexOf(t *testing.T, events []string, ev string) int {
	t.Helper()
	for i, e := range events {
		if e == ev {
			return i
		}
	}
	t.Fatalf("event %q not observed in %v", ev, events)
	return -1
}

func TestComputeOffset(t *testing.T) {
	assert.InDelta(t, -4.81, computeOffset([]float64{4.82, 4.80, 4.81}), 0.001)
	assert.InDelta(t, -6.0, computeOffset([]float64{6.01, 5.99, 6.00}), 0.001)
	assert.InDelta(t, -2.95, computeOffset([]float64{2.95}), 0.001)
}

func TestState_Center(t *testing.T) {
	s := State{
		Volume: coord.Point{X: 235, Y: 210, Z: 250},
		Offset: coord.Point{X: 10, Y: -5},
	}
	assert.Equal(t, coord.Point{X: 107.5, Y: 110.0}, s.Center())
}

func TestPrinter_Discover(t *testing.T) {
	p, _ := newTestPrinter(t, testConfig(), scriptFor(&probeScript{}))

	require.NoError(t, p.Discover(context.Background()))
	assert.Equal(t, coord.Point{X: 235, Y: 210, Z: 250}, p.State().Volume)
	assert.Equal(t, coord.Point{X: 10, Y: -5, Z: 0}, p.State().Offset)
	assert.Equal(t, coord.Point{X: 107.5, Y: 110.0}, p.State().Center())
}

func TestPrinter_Discover_fallback(t *testing.T) {
	hook := logtest.NewGlobal()
	defer hook.Reset()

	p, _ := newTestPrinter(t, testConfig(), func(cmd string) []string {
		switch cmd {
		case "M115":
			return []string{"FIRMWARE_NAME:Marlin 2.1.2", "ok"}
		default:
			return []string{"ok"}
		}
	})

	require.NoError(t, p.Discover(context.Background()))
	assert.Equal(t, coord.Point{X: 235, Y: 235}, p.State().Volume)
	assert.Equal(t, coord.Point{}, p.State().Offset)

	var warned bool
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel && strings.Contains(e.Message, "fallback") {
			warned = true
		}
	}
	assert.True(t, warned, "fallback warning not logged")
}

func TestPrinter_CoarseProbe(t *testing.T) {
	probe := &probeScript{}
	probe.add(5)
	p, port := newTestPrinter(t, testConfig(), scriptFor(probe))

	h, err := p.CoarseProbe(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 6.0, h, 1e-9)

	events := port.events()
	assert.Len(t, filterEvents(events, "tx G0 Z-0.2"), 5)

	// probe must be out before the first status read, and settled
	deploy := indexOf(t, events, "tx M280 P0 S10")
	assert.Less(t, deploy, indexOf(t, events, "tx M119"))
	assert.Equal(t, "sleep 650ms", events[deploy+1])

	// stow, then its settle, after the position read
	stow := indexOf(t, events, "tx M280 P0 S160")
	assert.Greater(t, stow, indexOf(t, events, "tx M114"))
	assert.Equal(t, "sleep 2.19s", events[stow+1])
}

func TestPrinter_CoarseProbe_neverTriggers(t *testing.T) {
	cfg := testConfig()
	cfg.Probe.SafeHeight = 1.0
	cfg.Probe.CoarseStep = 0.25
	p, port := newTestPrinter(t, cfg, scriptFor(&probeScript{}))

	_, err := p.CoarseProbe(context.Background())
	require.ErrorIs(t, err, ErrProbeNeverTriggered)

	// every step down to the floor taken, none past it
	events := port.events()
	assert.Len(t, filterEvents(events, "tx G0 Z-0.25"), 4)
	assert.Len(t, filterEvents(events, "tx M119"), 5)

	// the failure path still retracts the probe
	assert.Greater(t, indexOf(t, events, "tx M280 P0 S160"), indexOf(t, events, "tx M280 P0 S10"))
}

func TestPrinter_FineProbe(t *testing.T) {
	probe := &probeScript{}
	probe.add(19)
	probe.add(21)
	probe.add(20)
	p, port := newTestPrinter(t, testConfig(), scriptFor(probe))

	samples, err := p.FineProbe(context.Background(), 6.0)
	require.NoError(t, err)
	require.Len(t, samples, 3)
	assert.InDelta(t, 6.01, samples[0], 1e-9)
	assert.InDelta(t, 5.99, samples[1], 1e-9)
	assert.InDelta(t, 6.00, samples[2], 1e-9)

	events := port.events()
	assert.Len(t, filterEvents(events, "tx G1 Z-0.01 F50"), 60)
	assert.Len(t, filterEvents(events, "tx G0 Z6.2"), 3)
	assert.Len(t, filterEvents(events, "tx M280 P0 S10"), 3)
	assert.Len(t, filterEvents(events, "tx M280 P0 S160"), 3)

	// each run starts above the trigger height before deploying
	first := indexOf(t, events, "tx G0 Z6.2")
	assert.Less(t, first, indexOf(t, events, "tx M280 P0 S10"))
}

func TestPrinter_Calibrate(t *testing.T) {
	probe := &probeScript{}
	probe.add(5)
	probe.add(19)
	probe.add(21)
	probe.add(20)
	p, port := newTestPrinter(t, testConfig(), scriptFor(probe))

	off, err := p.Calibrate(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, -6.0, off, 1e-9)

	events := port.events()

	// the one value that matters on the wire
	assert.Equal(t, []string{"tx M851 Z-6"}, filterEvents(events, "tx M851 Z"))

	// homing was skipped
	assert.Empty(t, filterEvents(events, "tx G28"))

	// pipeline order
	reset := indexOf(t, events, "tx M420 S0 Z0")
	heat := indexOf(t, events, "tx M140 S65")
	center := indexOf(t, events, "tx G0 F5000 X107.5 Y110")
	store := indexOf(t, events, "tx M851 Z-6")
	save := indexOf(t, events, "tx M500")
	assert.Less(t, reset, heat)
	assert.Less(t, heat, center)
	assert.Less(t, center, store)
	assert.Less(t, store, save)

	// one coarse descent, three fine runs, all probed cleanly
	assert.Len(t, filterEvents(events, "tx G0 Z-0.2"), 5)
	assert.Len(t, filterEvents(events, "tx G1 Z-0.01 F50"), 60)
	assert.Equal(t, []string{
		"tx M280 P0 S10", "tx M280 P0 S160",
		"tx M280 P0 S10", "tx M280 P0 S160",
		"tx M280 P0 S10", "tx M280 P0 S160",
		"tx M280 P0 S10", "tx M280 P0 S160",
	}, filterEvents(events, "tx M280"))

	// every stow settles before anything else goes out
	for i, ev := range events {
		if ev == "tx M280 P0 S160" {
			require.Equal(t, "sleep 2.19s", events[i+1])
		}
	}

	st := p.Current()
	assert.Equal(t, PhaseDone, st.Phase)
	assert.Len(t, st.Samples, 3)
	assert.InDelta(t, -6.0, st.Offset, 1e-9)
	assert.Empty(t, st.Error)
}

func TestPrinter_Calibrate_meshAfter(t *testing.T) {
	cfg := testConfig()
	cfg.Bed.DisableAfter = true
	cfg.Mesh.RunAfter = true
	probe := &probeScript{}
	probe.add(5)
	probe.add(19)
	probe.add(21)
	probe.add(20)
	p, port := newTestPrinter(t, cfg, scriptFor(probe))

	_, err := p.Calibrate(context.Background())
	require.NoError(t, err)

	// offset stored, heater off, then the sweep, then save
	events := port.events()
	store := indexOf(t, events, "tx M851 Z-6")
	heaterOff := indexOf(t, events, "tx M140 S0")
	sweep := indexOf(t, events, "tx G29 P1")
	save := indexOf(t, events, "tx M500")
	assert.Less(t, store, heaterOff)
	assert.Less(t, heaterOff, sweep)
	assert.Less(t, sweep, save)
	assert.Len(t, filterEvents(events, "tx G29 P3"), 2)
}

func TestPrinter_Calibrate_abortMidFine(t *testing.T) {
	probe := &probeScript{}
	probe.add(5)
	probe.add(19)
	var fineSteps int
	base := scriptFor(probe)
	script := func(cmd string) []string {
		if cmd == "G1 Z-0.01 F50" {
			fineSteps++
			if fineSteps == 25 {
				return []string{"Error:Printer halted. kill() called!", "ok"}
			}
		}
		return base(cmd)
	}
	p, port := newTestPrinter(t, testConfig(), script)

	_, err := p.Calibrate(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step down")

	// the machine is left safe: after the failed step a stow goes
	// out, then the heater is shut off
	events := port.events()
	heaterOff := indexOf(t, events, "tx M140 S0")
	lastStep := -1
	for i, ev := range events {
		if ev == "tx G1 Z-0.01 F50" {
			lastStep = i
		}
	}
	require.GreaterOrEqual(t, lastStep, 0)
	stow := -1
	for i := lastStep + 1; i < len(events); i++ {
		if events[i] == "tx M280 P0 S160" {
			stow = i
			break
		}
	}
	require.NotEqual(t, -1, stow, "no stow observed after the failed step")
	assert.Greater(t, heaterOff, stow)

	st := p.Current()
	assert.Equal(t, PhaseAborted, st.Phase)
	assert.NotEmpty(t, st.Error)
}

func TestPrinter_Calibrate_heatDeadline(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout.HeatDeadline = 5 * time.Second
	probe := &probeScript{}
	base := scriptFor(probe)
	p, port := newTestPrinter(t, cfg, func(cmd string) []string {
		if cmd == "M105" {
			return []string{"ok T:23.50 /0.00 B:40.00 /65.00 @:0 B@:127"}
		}
		return base(cmd)
	})

	now := time.Unix(0, 0)
	p.now = func() time.Time { return now }
	p.sleep = func(ctx context.Context, d time.Duration) error {
		now = now.Add(d)
		return ctx.Err()
	}

	_, err := p.Calibrate(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wait for bed temperature")
	assert.Contains(t, err.Error(), "deadline")

	assert.Contains(t, port.events(), "tx M140 S0")
	assert.Equal(t, PhaseAborted, p.Current().Phase)
}

func TestPrinter_statusUpdates(t *testing.T) {
	probe := &probeScript{}
	probe.add(5)
	probe.add(19)
	probe.add(21)
	probe.add(20)
	p, _ := newTestPrinter(t, testConfig(), scriptFor(probe))

	var mx sync.Mutex
	var phases []Phase
	go func() {
		for st := range p.Status() {
			mx.Lock()
			phases = append(phases, st.Phase)
			mx.Unlock()
		}
	}()

	_, err := p.Calibrate(context.Background())
	require.NoError(t, err)

	// the receiver is on an unbuffered channel, so intermediate
	// phases may be dropped, never reordered
	mx.Lock()
	defer mx.Unlock()
	last := -1
	order := []Phase{
		PhaseInit, PhaseLevelingReset, PhaseHomed, PhaseHeated,
		PhasePositioned, PhaseCoarseProbed, PhaseFineProbed,
		PhaseOffsetComputed, PhasePersisted, PhaseDone,
	}
	rank := make(map[Phase]int, len(order))
	for i, ph := range order {
		rank[ph] = i
	}
	for _, ph := range phases {
		r, ok := rank[ph]
		require.True(t, ok, "unexpected phase %q", ph)
		require.GreaterOrEqual(t, r, last)
		last = r
	}
}

func TestPoller_deadline(t *testing.T) {
	now := time.Unix(0, 0)
	var checks int
	pl := Poller{
		Interval: time.Second,
		Deadline: 3 * time.Second,
		now:      func() time.Time { return now },
		sleep: func(ctx context.Context, d time.Duration) error {
			now = now.Add(d)
			return nil
		},
	}
	err := pl.Run(context.Background(), func(ctx context.Context) (bool, error) {
		checks++
		return false, nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deadline")
	assert.Equal(t, 4, checks)
}

func TestPoller_done(t *testing.T) {
	var checks int
	pl := Poller{
		Interval: time.Second,
		sleep: func(ctx context.Context, d time.Duration) error {
			return nil
		},
	}
	err := pl.Run(context.Background(), func(ctx context.Context) (bool, error) {
		checks++
		return checks == 3, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, checks)
}

func TestPoller_checkError(t *testing.T) {
	pl := Poller{Interval: time.Second}
	err := pl.Run(context.Background(), func(ctx context.Context) (bool, error) {
		return false, io.ErrUnexpectedEOF
	})
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
