package bedmesh

import (
	"github.com/marlinkit/probecal/coord"
)

// Report summarizes how flat and level a probed bed is.
type Report struct {
	Points int

	// Low and High are the lowest and highest probed points.
	Low  coord.Point
	High coord.Point

	Mean  float64
	Range float64

	// TiltX and TiltY are the rise of a plane fit through the
	// corner points, across the probed area.
	TiltX float64
	TiltY float64

	// CenterDeviation is the interpolated height at the middle of
	// the probed area relative to the mean. A warped bed shows up
	// here even when the corners sit level.
	CenterDeviation float64
}

// Analyze builds a mesh from the probed points and reports on it.
func Analyze(points []coord.Point) (*Report, error) {
	mesh, err := New(points)
	if err != nil {
		return nil, err
	}

	r := &Report{Points: len(points)}
	low, high := points[0], points[0]
	var sum float64
	for _, p := range points {
		if p.Z < low.Z {
			low = p
		}
		if p.Z > high.Z {
			high = p
		}
		sum += p.Z
	}
	r.Low = low
	r.High = high
	r.Mean = sum / float64(len(points))
	r.Range = high.Z - low.Z

	pl := mesh.cornerPlane()
	r.TiltX = pl.Z(mesh.maxX, mesh.minY) - pl.Z(mesh.minX, mesh.minY)
	r.TiltY = pl.Z(mesh.minX, mesh.maxY) - pl.Z(mesh.minX, mesh.minY)

	cx := (mesh.minX + mesh.maxX) / 2
	cy := (mesh.minY + mesh.maxY) / 2
	ok, cz := mesh.InterpolateZ(cx, cy)
	if !ok {
		cz = mesh.nearest(cx, cy).Z
	}
	r.CenterDeviation = cz - r.Mean

	return r, nil
}

// cornerPlane fits a plane through the probed points closest to
// three corners of the probed area.
func (m *Mesh) cornerPlane() coord.Plane {
	return coord.Plane{
		m.nearest(m.minX, m.minY),
		m.nearest(m.maxX, m.minY),
		m.nearest(m.minX, m.maxY),
	}
}
