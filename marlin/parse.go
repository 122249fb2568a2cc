package marlin

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/marlinkit/probecal/coord"
)

// ProbeState is the Z probe's reported trigger state.
type ProbeState string

const (
	ProbeOpen      ProbeState = "open"
	ProbeTriggered ProbeState = "triggered"
	ProbeUnknown   ProbeState = "unknown"
)

// ParseProbeState extracts the z_probe entry from an M119 endstop
// report. Reports without a parsable entry yield ProbeUnknown.
func ParseProbeState(lines []string) ProbeState {
	for _, ln := range lines {
		if !strings.Contains(ln, "z_probe") {
			continue
		}
		parts := strings.SplitN(ln, ":", 2)
		if len(parts) != 2 {
			return ProbeUnknown
		}
		switch strings.ToLower(strings.TrimSpace(parts[1])) {
		case "open":
			return ProbeOpen
		case "triggered":
			return ProbeTriggered
		}
		return ProbeUnknown
	}
	return ProbeUnknown
}

// ParseBuildVolume extracts the far corner of the build area from an
// M115 capability report.
func ParseBuildVolume(lines []string) (coord.Point, error) {
	for _, ln := range lines {
		if !strings.Contains(ln, "area:{full:{min:") {
			continue
		}
		i := strings.Index(ln, "max:{")
		if i == -1 {
			return coord.Point{}, errors.New("build area has no max corner")
		}
		rest := ln[i+len("max:{"):]
		j := strings.IndexByte(rest, '}')
		if j == -1 {
			return coord.Point{}, errors.New("unterminated build area")
		}
		return parseAxisList(rest[:j])
	}
	return coord.Point{}, errors.New("no build area in report")
}

// parseAxisList parses "x:235.00,y:235.00,z:250.00".
func parseAxisList(s string) (coord.Point, error) {
	var p coord.Point
	for _, kv := range strings.Split(s, ",") {
		parts := strings.SplitN(kv, ":", 2)
		if len(parts) != 2 {
			return p, errors.Errorf("malformed axis value %q", kv)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil {
			return p, errors.Wrapf(err, "parse axis %q", kv)
		}
		switch strings.ToLower(strings.TrimSpace(parts[0])) {
		case "x":
			p.X = v
		case "y":
			p.Y = v
		case "z":
			p.Z = v
		}
	}
	return p, nil
}

// ParseProbeOffset reads the offsets echoed for an M851 query. Axes
// absent from the report keep their prior values.
func ParseProbeOffset(prior coord.Point, lines []string) (coord.Point, error) {
	for _, ln := range lines {
		ln = strings.TrimSpace(strings.TrimPrefix(ln, "echo:"))
		if !strings.HasPrefix(ln, "M851") {
			continue
		}
		for _, part := range strings.Fields(ln)[1:] {
			if len(part) < 2 {
				continue
			}
			v, err := strconv.ParseFloat(part[1:], 64)
			if err != nil {
				if part[0] == 'X' || part[0] == 'Y' || part[0] == 'Z' {
					return prior, errors.Wrapf(err, "parse offset %q", part)
				}
				continue
			}
			switch part[0] {
			case 'X':
				prior.X = v
			case 'Y':
				prior.Y = v
			case 'Z':
				prior.Z = v
			}
		}
		return prior, nil
	}
	return prior, errors.New("no offset echo in report")
}

// ParseZ extracts the Z coordinate from an M114 position report.
func ParseZ(lines []string) (float64, error) {
	for _, ln := range lines {
		i := strings.Index(ln, "Z:")
		if i == -1 {
			continue
		}
		fields := strings.Fields(ln[i+2:])
		if len(fields) == 0 {
			return 0, errors.New("malformed position report")
		}
		v, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return 0, errors.Wrap(err, "parse Z")
		}
		return v, nil
	}
	return 0, errors.New("no Z in position report")
}

// Temperatures is one M105 report. Targets are zero when the
// firmware omits them.
type Temperatures struct {
	Hotend       float64
	HotendTarget float64
	Bed          float64
	BedTarget    float64
}

var tempSpacer = strings.NewReplacer(" /", "/")

// ParseTemperatures reads an M105 report
// ("ok T:23.50 /0.00 B:64.98 /65.00 @:0 B@:127").
func ParseTemperatures(lines []string) (*Temperatures, error) {
	for _, ln := range lines {
		if !strings.Contains(ln, "T:") {
			continue
		}
		var t Temperatures
		var found bool
		for _, f := range strings.Fields(tempSpacer.Replace(ln)) {
			var cur, tgt *float64
			switch {
			case strings.HasPrefix(f, "T:"):
				cur, tgt = &t.Hotend, &t.HotendTarget
			case strings.HasPrefix(f, "B:"):
				cur, tgt = &t.Bed, &t.BedTarget
			default:
				continue
			}
			val := f[2:]
			if i := strings.IndexByte(val, '/'); i >= 0 {
				v, err := strconv.ParseFloat(val[i+1:], 64)
				if err != nil {
					return nil, errors.Wrapf(err, "parse target %q", f)
				}
				*tgt = v
				val = val[:i]
			}
			v, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "parse temperature %q", f)
			}
			*cur = v
			found = true
		}
		if found {
			return &t, nil
		}
	}
	return nil, errors.New("no temperature report")
}

var meshSpacer = strings.NewReplacer(": ", ":")

// ParseMeshPoints collects per-point probe reports from verbose G29
// output ("Bed X: 50.000 Y: 50.000 Z: 0.012"). Lines that are not
// point reports are skipped.
func ParseMeshPoints(lines []string) []coord.Point {
	var pts []coord.Point
	for _, ln := range lines {
		ln = strings.TrimSpace(strings.TrimPrefix(ln, "echo:"))
		if !strings.HasPrefix(strings.ToLower(ln), "bed ") {
			continue
		}
		var p coord.Point
		var sawX, sawY, sawZ bool
		for _, f := range strings.Fields(meshSpacer.Replace(ln)) {
			if len(f) < 3 || f[1] != ':' {
				continue
			}
			v, err := strconv.ParseFloat(f[2:], 64)
			if err != nil {
				continue
			}
			switch f[0] {
			case 'X', 'x':
				p.X, sawX = v, true
			case 'Y', 'y':
				p.Y, sawY = v, true
			case 'Z', 'z':
				p.Z, sawZ = v, true
			}
		}
		if sawX && sawY && sawZ {
			pts = append(pts, p)
		}
	}
	return pts
}
