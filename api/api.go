// Package api holds the JSON shapes shared by the HTTP server, the MCP tool
// server and the protocol store.
package api

import "time"

// TraceRequest is the body of POST /traces.
type TraceRequest struct {
	// ID names the trace in results and protocol records. Optional.
	ID string `json:"id,omitempty"`
	// Points are [lon, lat] pairs in driving order.
	Points [][2]float64 `json:"points"`
}

// Counts summarizes what one run changed.
type Counts struct {
	NodesCreated  int `json:"nodes_created"`
	NodesMerged   int `json:"nodes_merged"`
	NodesRemoved  int `json:"nodes_removed"`
	EdgesCreated  int `json:"edges_created"`
	Crossings     int `json:"crossings"`
	Loops         int `json:"loops,omitempty"`
	DoubleWays    int `json:"double_ways,omitempty"`
	ParallelLanes int `json:"parallel_lanes,omitempty"`
	Smoothed      int `json:"smoothed,omitempty"`
}

// MergeResponse reports the outcome of one run.
type MergeResponse struct {
	RunID   string `json:"run_id"`
	TraceID string `json:"trace_id"`
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
	Counts  Counts `json:"counts"`
}

// PathEntry is one entry of the final chain as stored in a protocol record.
type PathEntry struct {
	Pos     float64    `json:"pos"`
	State   string     `json:"state"`
	Node    string     `json:"node,omitempty"`
	Virtual *uint32    `json:"virtual,omitempty"`
	Point   [2]float64 `json:"point"`
	Score   float64    `json:"score"`
	Flags   []string   `json:"flags,omitempty"`
}

// Protocol is the persisted record of one run, written for later replay and
// inspection.
type Protocol struct {
	RunID        string             `json:"run_id"`
	TraceID      string             `json:"trace_id"`
	Started      time.Time          `json:"started"`
	DurationMS   float64            `json:"duration_ms"`
	Status       string             `json:"status"`
	Reason       string             `json:"reason,omitempty"`
	Optimisation bool               `json:"optimisation,omitempty"`
	Params       map[string]float64 `json:"params"`
	Trace        [][2]float64       `json:"trace"`
	Path         []PathEntry        `json:"path,omitempty"`
	Tiles        []uint64           `json:"tiles,omitempty"`
	Counts       Counts             `json:"counts"`
}

// Stats is the body of GET /stats and the output of the stats command.
type Stats struct {
	Tiles     int `json:"tiles"`
	Nodes     int `json:"nodes"`
	Edges     int `json:"edges"`
	Crossings int `json:"crossings"`
	Cached    int `json:"cached_nodes"`
}
