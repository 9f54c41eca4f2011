// Package geom holds the planar and spherical helpers shared by the trace,
// map store and merge packages. Coordinates are WGS84 orb.Points (lon, lat),
// distances are meters and bearings are degrees clockwise from north.
package geom

import (
	"math"

	"github.com/golang/geo/s1"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
)

const earthRadius = 6378137.0 // matches orb/geo

// Distance returns the great-circle distance in meters.
func Distance(a, b orb.Point) float64 {
	return geo.Distance(a, b)
}

// Bearing returns the initial bearing from a to b in degrees.
func Bearing(a, b orb.Point) float64 {
	return geo.Bearing(a, b)
}

// AngleDiff returns the absolute difference between two bearings (degrees)
// in radians, normalized to [0, π].
func AngleDiff(a, b float64) float64 {
	d := (s1.Angle(a-b) * s1.Degree).Normalized()
	return math.Abs(d.Radians())
}

// Interpolate returns the point at fraction f of the way from a to b.
func Interpolate(a, b orb.Point, f float64) orb.Point {
	if f <= 0 {
		return a
	}
	if f >= 1 {
		return b
	}
	return geo.PointAtBearingAndDistance(a, Bearing(a, b), f*Distance(a, b))
}

// Offset moves p by meters along bearing.
func Offset(p orb.Point, bearing, meters float64) orb.Point {
	return geo.PointAtBearingAndDistance(p, bearing, meters)
}

// local projects p onto an equirectangular plane centered at origin (meters).
func local(origin, p orb.Point) (x, y float64) {
	lat0 := origin.Lat() * math.Pi / 180
	x = (p.Lon() - origin.Lon()) * math.Pi / 180 * earthRadius * math.Cos(lat0)
	y = (p.Lat() - origin.Lat()) * math.Pi / 180 * earthRadius
	return x, y
}

// unlocal is the inverse of local.
func unlocal(origin orb.Point, x, y float64) orb.Point {
	lat0 := origin.Lat() * math.Pi / 180
	lon := origin.Lon() + x/(earthRadius*math.Cos(lat0))*180/math.Pi
	lat := origin.Lat() + y/earthRadius*180/math.Pi
	return orb.Point{lon, lat}
}

// Foot returns the perpendicular foot of p on segment a-b, the fraction t
// along the segment and whether the foot lies on the segment (0 <= t <= 1).
// When ok is false the returned point is the clamped end point.
func Foot(p, a, b orb.Point) (foot orb.Point, t float64, ok bool) {
	bx, by := local(a, b)
	px, py := local(a, p)
	l2 := bx*bx + by*by
	if l2 == 0 {
		return a, 0, false
	}
	t = (px*bx + py*by) / l2
	ok = t >= 0 && t <= 1
	c := math.Max(0, math.Min(1, t))
	return unlocal(a, c*bx, c*by), t, ok
}

// SegmentDistance returns the distance from p to the closest point of a-b.
func SegmentDistance(p, a, b orb.Point) float64 {
	f, _, _ := Foot(p, a, b)
	return Distance(p, f)
}

// Corridor returns a rectangle enclosing every point within buffer meters of
// the segment a-b. Degenerate segments yield a square around a.
func Corridor(a, b orb.Point, buffer float64) orb.Polygon {
	heading := 0.0
	if !a.Equal(b) {
		heading = Bearing(a, b)
	}
	back := Offset(a, heading+180, buffer)
	front := Offset(b, heading, buffer)
	ring := orb.Ring{
		Offset(back, heading-90, buffer),
		Offset(front, heading-90, buffer),
		Offset(front, heading+90, buffer),
		Offset(back, heading+90, buffer),
	}
	ring = append(ring, ring[0])
	return orb.Polygon{ring}
}

// PadBound grows b by meters on every side.
func PadBound(b orb.Bound, meters float64) orb.Bound {
	return geo.NewBoundAroundPoint(b.Min, meters).Union(geo.NewBoundAroundPoint(b.Max, meters))
}

// TurnAngle returns the heading change in radians at b when travelling a→b→c.
func TurnAngle(a, b, c orb.Point) float64 {
	return AngleDiff(Bearing(a, b), Bearing(b, c))
}
