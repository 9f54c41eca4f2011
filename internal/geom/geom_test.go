package geom

import (
	"math"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/stretchr/testify/assert"
)

var origin = orb.Point{13.4, 52.5}

func TestAngleDiff(t *testing.T) {
	assert.InDelta(t, 0, AngleDiff(10, 10), 1e-9)
	assert.InDelta(t, math.Pi/2, AngleDiff(0, 90), 1e-9)
	assert.InDelta(t, math.Pi/18, AngleDiff(355, 5), 1e-9)
	assert.InDelta(t, math.Pi, AngleDiff(-90, 90), 1e-9)
}

func TestInterpolateEndpoints(t *testing.T) {
	b := Offset(origin, 45, 100)
	assert.Equal(t, origin, Interpolate(origin, b, 0))
	assert.Equal(t, b, Interpolate(origin, b, 1))
	mid := Interpolate(origin, b, 0.5)
	assert.InDelta(t, 50, Distance(origin, mid), 0.1)
}

func TestFoot(t *testing.T) {
	b := Offset(origin, 90, 100)
	p := Offset(Offset(origin, 90, 40), 0, 10)

	foot, tt, ok := Foot(p, origin, b)
	assert.True(t, ok)
	assert.InDelta(t, 0.4, tt, 0.01)
	assert.InDelta(t, 10, Distance(p, foot), 0.1)

	behind := Offset(origin, 270, 20)
	_, tt, ok = Foot(behind, origin, b)
	assert.False(t, ok)
	assert.Less(t, tt, 0.0)
}

func TestCorridorContainsBufferedPoints(t *testing.T) {
	b := Offset(origin, 30, 80)
	poly := Corridor(origin, b, 15)

	inside := Offset(Interpolate(origin, b, 0.5), 120, 12)
	outside := Offset(Interpolate(origin, b, 0.5), 120, 25)
	assert.True(t, planar.PolygonContains(poly, inside))
	assert.False(t, planar.PolygonContains(poly, outside))
}

func TestTurnAngle(t *testing.T) {
	b := Offset(origin, 0, 50)
	c := Offset(b, 90, 50)
	assert.InDelta(t, math.Pi/2, TurnAngle(origin, b, c), 0.01)
}
