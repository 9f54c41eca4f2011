package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentic-research/tracemerge/internal/config"
	"github.com/agentic-research/tracemerge/internal/control"
	"github.com/agentic-research/tracemerge/internal/mapstore"
	"github.com/agentic-research/tracemerge/internal/merge"
	"github.com/agentic-research/tracemerge/internal/protocol"
)

const flushInterval = time.Second

// engine is the map, its persistence and the merger shared by all
// commands.
type engine struct {
	store   *mapstore.Store
	params  *config.Params
	merger  *merge.Merger
	flusher *mapstore.Flusher // nil for in-memory maps
	ctrl    *control.Controller
	proto   *protocol.Store
}

// openEngine wires the store, parameters and optional protocol database
// from the global flags.
func openEngine() (*engine, error) {
	params, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if optimise {
		params.Optimisation = true
	}

	e := &engine{params: params}
	opts := mapstore.Options{}
	if storePath != "" {
		backend, err := mapstore.OpenSQLite(storePath)
		if err != nil {
			return nil, err
		}
		opts.Backend = backend
	}
	e.store = mapstore.NewStore(opts)

	if controlPath != "" {
		if e.ctrl, err = control.OpenOrCreate(controlPath); err != nil {
			_ = e.Close()
			return nil, err
		}
	}
	var mopts []merge.Option
	if storePath != "" {
		e.flusher = mapstore.NewFlusher(e.store, storePath, e.ctrl)
		e.flusher.Start(flushInterval)
		mopts = append(mopts, merge.WithFlusher(e.flusher))
	}
	if protocolDir != "" {
		if e.proto, err = protocol.Open(protocolDir); err != nil {
			_ = e.Close()
			return nil, err
		}
		mopts = append(mopts, merge.WithRecorder(e.proto))
	}
	e.merger = merge.New(e.store, params, mopts...)
	slog.Debug("engine ready",
		slog.String("store", storePath),
		slog.Bool("optimisation", params.Optimisation),
		slog.Bool("protocol", e.proto != nil))
	return e, nil
}

// Close flushes the map and closes everything the engine opened.
func (e *engine) Close() error {
	var errs []error
	if e.flusher != nil {
		errs = append(errs, e.flusher.Close())
	}
	if e.store != nil {
		errs = append(errs, e.store.Close())
	}
	if e.ctrl != nil {
		errs = append(errs, e.ctrl.Close())
	}
	if e.proto != nil {
		errs = append(errs, e.proto.Close())
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("close engine: %w", err)
	}
	return nil
}

// openProtocol opens the protocol database named by --protocol.
func openProtocol() (*protocol.Store, error) {
	if protocolDir == "" {
		return nil, errors.New("--protocol is required")
	}
	return protocol.Open(protocolDir)
}
