package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/agentic-research/tracemerge/api"
	"github.com/agentic-research/tracemerge/internal/geom"
	"github.com/agentic-research/tracemerge/internal/mapstore"
	"github.com/agentic-research/tracemerge/internal/protocol"
	"github.com/agentic-research/tracemerge/internal/trace"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var listenAddr string

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "addr", ":8080", "Listen address")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Accept traces over HTTP and serve the map",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine()
		if err != nil {
			return err
		}
		defer func() { _ = e.Close() }() // flush errors are logged by the flusher

		srv := &http.Server{
			Addr:              listenAddr,
			Handler:           e.router(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		errCh := make(chan error, 1)
		go func() { errCh <- srv.ListenAndServe() }()
		slog.Info("listening", slog.String("addr", listenAddr))

		select {
		case err := <-errCh:
			return err
		case <-cmd.Context().Done():
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	},
}

func (e *engine) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/traces", e.handleTrace).Methods(http.MethodPost)
	r.HandleFunc("/tiles/{id:[0-9]+}", e.handleTile).Methods(http.MethodGet)
	r.HandleFunc("/stats", e.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/protocols/{id}", e.handleProtocol).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if e.flusher != nil {
			if err := e.flusher.LastError(); err != nil {
				writeError(w, http.StatusServiceUnavailable, err)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write response", slog.Any("err", err))
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (e *engine) handleTrace(w http.ResponseWriter, r *http.Request) {
	var req api.TraceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(req.Points) < 2 {
		writeError(w, http.StatusBadRequest, errors.New("a trace needs at least two points"))
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	ls := make(orb.LineString, len(req.Points))
	for i, p := range req.Points {
		ls[i] = orb.Point(p)
	}
	res, err := e.merger.Merge(r.Context(), trace.New(req.ID, ls))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, res.Response())
}

// handleTile returns a tile as GeoJSON: one Point feature per node and one
// LineString feature per successor edge.
func (e *engine) handleTile(w http.ResponseWriter, r *http.Request) {
	raw, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id := mapstore.TileID(raw)
	// edges may end in a neighbor tile
	bound := geom.PadBound(e.store.Cell(id).Bound(), 2*e.params.InterpolationDistance())
	region := e.store.LockRegion(bound)
	defer region.Release()

	t, err := e.store.Tile(id)
	if errors.Is(err, mapstore.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	fc := geojson.NewFeatureCollection()
	for _, n := range t.Nodes() {
		f := geojson.NewFeature(n.Pos)
		f.ID = n.Ref.String()
		f.Properties["observations"] = n.Observations
		f.Properties["crossing"] = n.IsCrossing()
		fc.Append(f)
		for _, edge := range n.Succ {
			to, err := e.store.Node(edge.To)
			if err != nil {
				continue
			}
			ef := geojson.NewFeature(orb.LineString{n.Pos, to.Pos})
			ef.Properties["from"] = n.Ref.String()
			ef.Properties["to"] = edge.To.String()
			ef.Properties["bearing"] = edge.Bearing
			fc.Append(ef)
		}
	}
	data, err := fc.MarshalJSON()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	_, _ = w.Write(data)
}

func (e *engine) handleStats(w http.ResponseWriter, _ *http.Request) {
	st, err := e.store.Stats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, statsOf(st))
}

func (e *engine) handleProtocol(w http.ResponseWriter, r *http.Request) {
	if e.proto == nil {
		writeError(w, http.StatusNotFound, errors.New("protocol recording is off"))
		return
	}
	p, err := e.proto.Get(mux.Vars(r)["id"])
	if errors.Is(err, protocol.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func statsOf(st mapstore.Stats) api.Stats {
	return api.Stats{Tiles: st.Tiles, Nodes: st.Nodes, Edges: st.Edges, Crossings: st.Crossings, Cached: st.Cached}
}
