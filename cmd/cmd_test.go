package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/agentic-research/tracemerge/api"
	"github.com/agentic-research/tracemerge/internal/config"
	"github.com/agentic-research/tracemerge/internal/geom"
	"github.com/agentic-research/tracemerge/internal/mapstore"
	"github.com/agentic-research/tracemerge/internal/merge"
	"github.com/agentic-research/tracemerge/internal/protocol"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var origin = orb.Point{13.4, 52.5}

func road(y float64) orb.LineString {
	var ls orb.LineString
	for x := 0.0; x <= 300; x += 10 {
		ls = append(ls, geom.Offset(geom.Offset(origin, 90, x), 0, y))
	}
	return ls
}

func newTestEngine(t *testing.T) *engine {
	t.Helper()
	ps, err := protocol.Open(t.TempDir())
	require.NoError(t, err)
	store := mapstore.NewStore(mapstore.Options{})
	params := config.Defaults()
	e := &engine{
		store:  store,
		params: params,
		proto:  ps,
		merger: merge.New(store, params, merge.WithRecorder(ps)),
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func do(t *testing.T, h http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, &buf))
	return rec
}

func TestServeTraceRoundTrip(t *testing.T) {
	e := newTestEngine(t)
	h := e.router()

	req := api.TraceRequest{ID: "drive-1"}
	for _, p := range road(0) {
		req.Points = append(req.Points, [2]float64(p))
	}
	rec := do(t, h, http.MethodPost, "/traces", req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp api.MergeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "merged", resp.Status)
	assert.Equal(t, "drive-1", resp.TraceID)
	assert.Positive(t, resp.Counts.NodesCreated)

	rec = do(t, h, http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st api.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, resp.Counts.NodesCreated, st.Nodes)
	assert.Equal(t, st.Nodes-1, st.Edges)
	assert.Equal(t, st.Nodes, st.Cached)

	id := e.store.TileIDFor(origin)
	rec = do(t, h, http.MethodGet, fmt.Sprintf("/tiles/%d", id), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	fc, err := geojson.UnmarshalFeatureCollection(rec.Body.Bytes())
	require.NoError(t, err)
	var points, lines int
	for _, f := range fc.Features {
		switch f.Geometry.(type) {
		case orb.Point:
			points++
		case orb.LineString:
			lines++
		}
	}
	assert.Positive(t, points)
	assert.Positive(t, lines)

	rec = do(t, h, http.MethodGet, "/protocols/"+resp.RunID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var p api.Protocol
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Equal(t, "drive-1", p.TraceID)
}

func TestServeRejectsBadInput(t *testing.T) {
	h := newTestEngine(t).router()

	rec := do(t, h, http.MethodPost, "/traces", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/traces", api.TraceRequest{Points: [][2]float64{{13.4, 52.5}}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/tiles/12345", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/protocols/unknown", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServeShortTraceIsRejectedNotFailed(t *testing.T) {
	h := newTestEngine(t).router()
	rec := do(t, h, http.MethodPost, "/traces", api.TraceRequest{
		Points: [][2]float64{{13.4, 52.5}, {13.40001, 52.5}},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp api.MergeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "rejected", resp.Status)
	assert.NotEmpty(t, resp.Reason)
	assert.NotEmpty(t, resp.TraceID)
}

// resetFlags restores the package flag variables cobra leaves behind
// between executions.
func resetFlags() {
	verbose, configPath, storePath, protocolDir, controlPath, optimise = false, "", "", "", "", false
	jsonPath, tracesDB, workers = "", "", 4
	statsJSON = false
	protocolLimit = 20
}

func run(t *testing.T, args ...string) string {
	t.Helper()
	resetFlags()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs(args)
	require.NoError(t, rootCmd.ExecuteContext(context.Background()), strings.Join(args, " "))
	return out.String()
}

func TestMergeThenStats(t *testing.T) {
	dir := t.TempDir()
	fc := geojson.NewFeatureCollection()
	fc.Append(geojson.NewFeature(road(0)))
	fc.Append(geojson.NewFeature(road(1000)))
	data, err := fc.MarshalJSON()
	require.NoError(t, err)
	traces := filepath.Join(dir, "drives.geojson")
	require.NoError(t, os.WriteFile(traces, data, 0o644))

	db := filepath.Join(dir, "map.db")
	proto := filepath.Join(dir, "protocol")
	out := run(t, "merge", "--store", db, "--protocol", proto, "--control", filepath.Join(dir, "map.ctl"), "-w", "2", traces)
	assert.Contains(t, out, "merged 2, rejected 0 traces")

	out = run(t, "stats", "--store", db, "--json")
	var st api.Stats
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Positive(t, st.Nodes)
	assert.Equal(t, st.Nodes-2, st.Edges)
	assert.Zero(t, st.Crossings)

	out = run(t, "protocol", "list", "--protocol", proto)
	assert.Contains(t, out, "drives")
	assert.Equal(t, 3, strings.Count(out, "\n"))
}

func TestMergeNeedsInput(t *testing.T) {
	resetFlags()
	rootCmd.SetOut(&bytes.Buffer{})
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs([]string{"merge"})
	assert.Error(t, rootCmd.ExecuteContext(context.Background()))
}
