package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/agentic-research/tracemerge/internal/merge"
	"github.com/agentic-research/tracemerge/internal/trace"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	jsonPath string
	tracesDB string
	workers  int
)

func init() {
	mergeCmd.Flags().StringVar(&jsonPath, "jsonpath", "", "JSONPath selecting coordinate arrays in non-GeoJSON input")
	mergeCmd.Flags().StringVar(&tracesDB, "traces-db", "", "SQLite database with a traces(id, geojson) table")
	mergeCmd.Flags().IntVarP(&workers, "workers", "w", 4, "Concurrent merge runs")
	rootCmd.AddCommand(mergeCmd)
}

var mergeCmd = &cobra.Command{
	Use:   "merge [trace files...]",
	Short: "Merge GPS traces into the map",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 && tracesDB == "" {
			return errors.New("no traces: pass files or --traces-db")
		}
		e, err := openEngine()
		if err != nil {
			return err
		}
		sum, runErr := e.mergeAll(cmd.Context(), args)
		closeErr := e.Close()
		if runErr != nil {
			return runErr
		}
		if closeErr != nil {
			return closeErr
		}
		sum.print(cmd.OutOrStdout())
		return nil
	},
}

// summary tallies the outcome of many runs.
type summary struct {
	mu       sync.Mutex
	merged   int
	rejected int
	created  int
	absorbed int
	removed  int
	reasons  map[string]int
}

func (s *summary) add(res *merge.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if res.Status == merge.Rejected {
		s.rejected++
		if s.reasons == nil {
			s.reasons = make(map[string]int)
		}
		s.reasons[res.Reason.Error()]++
		return
	}
	s.merged++
	s.created += res.NodesCreated
	s.absorbed += res.NodesMerged
	s.removed += res.NodesRemoved
}

func (s *summary) print(w io.Writer) {
	_, _ = fmt.Fprintf(w, "merged %d, rejected %d traces\n", s.merged, s.rejected)
	_, _ = fmt.Fprintf(w, "nodes: %d created, %d merged, %d removed\n", s.created, s.absorbed, s.removed)
	for reason, n := range s.reasons {
		_, _ = fmt.Fprintf(w, "  %d× %s\n", n, reason)
	}
}

// mergeAll merges every trace in files and the traces database, at most
// workers at a time.
func (e *engine) mergeAll(ctx context.Context, files []string) (*summary, error) {
	sum := &summary{}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(workers, 1))
	submit := func(tr *trace.Trace) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		g.Go(func() error {
			res, err := e.merger.Merge(ctx, tr)
			if err != nil {
				return fmt.Errorf("trace %s: %w", tr.ID, err)
			}
			sum.add(res)
			return nil
		})
		return nil
	}

	var feedErr error
	for _, f := range files {
		traces, err := trace.LoadFile(f, jsonPath)
		if err != nil {
			feedErr = fmt.Errorf("load %s: %w", f, err)
			break
		}
		slog.Debug("loaded traces", slog.String("file", f), slog.Int("count", len(traces)))
		for _, tr := range traces {
			if feedErr = submit(tr); feedErr != nil {
				break
			}
		}
		if feedErr != nil {
			break
		}
	}
	if feedErr == nil && tracesDB != "" {
		feedErr = trace.StreamSQLite(tracesDB, submit)
	}
	if err := g.Wait(); err != nil {
		return sum, err
	}
	return sum, feedErr
}
