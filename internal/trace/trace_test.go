package trace

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/agentic-research/tracemerge/internal/geom"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

var origin = orb.Point{13.4, 52.5}

// straight builds n points spaced meters apart heading east.
func straight(n int, spacing float64) orb.LineString {
	ls := make(orb.LineString, n)
	for i := range ls {
		ls[i] = geom.Offset(origin, 90, float64(i)*spacing)
	}
	return ls
}

func TestPrecomputeLength(t *testing.T) {
	tr := New("t", straight(11, 10))
	require.NoError(t, tr.Precompute())
	assert.InDelta(t, 100, tr.Length(), 0.05)
}

func TestPrecomputeRejectsDegenerate(t *testing.T) {
	tr := New("t", orb.LineString{origin, origin, origin})
	assert.ErrorIs(t, tr.Precompute(), ErrTooShort)
}

func TestPointAtAndAround(t *testing.T) {
	tr := New("t", straight(5, 10))
	require.NoError(t, tr.Precompute())

	b, a, bm, am := tr.PointsAround(15)
	assert.Equal(t, 1, b)
	assert.Equal(t, 2, a)
	assert.InDelta(t, 10, bm, 0.01)
	assert.InDelta(t, 20, am, 0.01)

	p := tr.PointAt(15)
	assert.InDelta(t, 15, geom.Distance(origin, p), 0.05)
	assert.Equal(t, tr.Points()[0], tr.PointAt(-3))
	assert.Equal(t, tr.Points()[4], tr.PointAt(1000))
}

func TestCurvature(t *testing.T) {
	a := origin
	b := geom.Offset(a, 90, 20)
	c := geom.Offset(b, 0, 20)
	tr := New("t", orb.LineString{a, b, c})
	require.NoError(t, tr.Precompute())

	assert.Zero(t, tr.Curvature(0))
	assert.InDelta(t, (3.14159/2)/20, tr.Curvature(1), 0.002)
	assert.InDelta(t, tr.Curvature(1), tr.MaxCurvature(0, 40), 1e-9)
	assert.Zero(t, tr.MaxCurvature(25, 40))
}

func TestProjectPrefersPerpendicularFoot(t *testing.T) {
	tr := New("t", straight(5, 10))
	require.NoError(t, tr.Precompute())

	p := geom.Offset(geom.Offset(origin, 90, 23), 0, 4)
	pos, dist := tr.Project(p, 0, 40)
	assert.InDelta(t, 23, pos, 0.1)
	assert.InDelta(t, 4, dist, 0.1)

	// restricted window falls back to the nearest vertex
	pos, _ = tr.Project(p, 30, 40)
	assert.InDelta(t, 30, pos, 0.1)
}

func TestParseGeoJSON(t *testing.T) {
	data := []byte(`{"type":"FeatureCollection","features":[
		{"type":"Feature","id":"a","geometry":{"type":"LineString","coordinates":[[13.4,52.5],[13.401,52.5]]},"properties":{}},
		{"type":"Feature","geometry":{"type":"MultiLineString","coordinates":[[[13.4,52.5],[13.4,52.501]],[[13.5,52.5],[13.5,52.501]]]},"properties":{}}
	]}`)
	traces, err := ParseGeoJSON("rides", data)
	require.NoError(t, err)
	require.Len(t, traces, 3)
	assert.Equal(t, "rides/a", traces[0].ID)
	assert.Equal(t, "rides/1.1", traces[2].ID)
}

func TestParseJSONPath(t *testing.T) {
	data := []byte(`{"rides":[{"coords":[[13.4,52.5],[13.401,52.5],[13,52]]},{"coords":[[1,2],[3,4]]}]}`)
	traces, err := ParseJSONPath("x", data, "$.rides[*].coords")
	require.NoError(t, err)
	require.Len(t, traces, 2)
	assert.Equal(t, 3, traces[0].Len())
	assert.Equal(t, orb.Point{1, 2}, traces[1].Points()[0])

	_, err = ParseJSONPath("x", data, "$.rides[*]")
	assert.Error(t, err)
}

func TestStreamSQLite(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "traces.db")
	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	_, err = db.Exec("CREATE TABLE traces (id TEXT PRIMARY KEY, geojson TEXT NOT NULL)")
	require.NoError(t, err)
	_, err = db.Exec("INSERT INTO traces VALUES (?, ?), (?, ?)",
		"r1", `{"type":"LineString","coordinates":[[13.4,52.5],[13.401,52.5]]}`,
		"r2", `{"type":"LineString","coordinates":[[13.4,52.5],[13.4,52.501]]}`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	var ids []string
	require.NoError(t, StreamSQLite(dbPath, func(tr *Trace) error {
		ids = append(ids, tr.ID)
		return nil
	}))
	assert.Equal(t, []string{"r1", "r2"}, ids)
}
