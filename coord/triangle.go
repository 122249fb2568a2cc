package coord

import (
	"math"
)

const (
	// Epsilon is the max error when checking containment.
	Epsilon   = 0.001
	epsilonSq = Epsilon * Epsilon
)

type Triangle struct{ A, B, C Point }

// ContainsXY returns true if the 2D projection of the triangle
// has the point x,y.
func (t Triangle) ContainsXY(x, y float64) bool {
	if !t.boundsXY(x, y) {
		return false
	}
	if t.strictlyContainsXY(x, y) {
		return true
	}

	// points sitting on (or within Epsilon of) an edge still count
	if segmentDistSq(t.A, t.B, x, y) <= epsilonSq {
		return true
	}
	if segmentDistSq(t.B, t.C, x, y) <= epsilonSq {
		return true
	}
	if segmentDistSq(t.C, t.A, x, y) <= epsilonSq {
		return true
	}

	return false
}

// Z will give the Z-coordinate on the plane defined by the triangle
// where it intersects x,y.
func (t Triangle) Z(x, y float64) float64 {
	return Plane{t.A, t.B, t.C}.Z(x, y)
}

func (t Triangle) boundsXY(x, y float64) bool {
	xMin := math.Min(t.A.X, math.Min(t.B.X, t.C.X)) - Epsilon
	xMax := math.Max(t.A.X, math.Max(t.B.X, t.C.X)) + Epsilon
	yMin := math.Min(t.A.Y, math.Min(t.B.Y, t.C.Y)) - Epsilon
	yMax := math.Max(t.A.Y, math.Max(t.B.Y, t.C.Y)) + Epsilon

	return x >= xMin && x <= xMax && y >= yMin && y <= yMax
}

// adapted from https://totologic.blogspot.com/2014/01/accurate-point-in-triangle-test.html

func side(a, b Point, x, y float64) float64 {
	return (b.Y-a.Y)*(x-a.X) + (-b.X+a.X)*(y-a.Y)
}

// strictlyContainsXY accepts either winding; triangulation output
// does not promise an orientation.
func (t Triangle) strictlyContainsXY(x, y float64) bool {
	s1 := side(t.A, t.B, x, y)
	s2 := side(t.B, t.C, x, y)
	s3 := side(t.C, t.A, x, y)
	if s1 >= 0 && s2 >= 0 && s3 >= 0 {
		return true
	}
	return s1 <= 0 && s2 <= 0 && s3 <= 0
}

func segmentDistSq(a, b Point, x, y float64) float64 {
	lenSq := (b.X-a.X)*(b.X-a.X) + (b.Y-a.Y)*(b.Y-a.Y)
	dot := ((x-a.X)*(b.X-a.X) + (y-a.Y)*(b.Y-a.Y)) / lenSq
	if dot < 0 {
		return (x-a.X)*(x-a.X) + (y-a.Y)*(y-a.Y)
	}
	if dot <= 1 {
		aSq := (a.X-x)*(a.X-x) + (a.Y-y)*(a.Y-y)
		return aSq - dot*dot*lenSq
	}

	return (x-b.X)*(x-b.X) + (y-b.Y)*(y-b.Y)
}
