// Package config holds the merge engine parameters: a flat set of named
// numeric thresholds and score weights plus the optimisation-mode switch.
package config

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// ErrUnknownKey is returned when a parameter source names a key that the
// engine does not read.
var ErrUnknownKey = errors.New("unknown parameter")

// Parameter keys.
const (
	SearchDistance      = "search_distance"
	SearchAngle         = "search_angle"
	AcceptAngle         = "accept_angle"
	MinStepDistance     = "min_step_distance"
	MaxStepDistance     = "max_step_distance"
	CurvatureBudget     = "curvature_budget"
	StepSmoothingFactor = "step_smoothing_factor"
	SufficientPathLen   = "sufficient_path_length"
	LookaheadDistance   = "lookahead_distance"
	VirtualMinTraceGap  = "virtual_min_trace_gap"
	WeightDistance      = "w_dist"
	WeightDirection     = "w_dir"

	ScoreRealRealEdge       = "score_real_real_edge"
	ScoreRealRealNoEdge     = "score_real_real_noedge"
	ScoreRealCreated        = "score_real_created"
	ScoreCreatedReal        = "score_created_real"
	ScoreCreatedCreatedAdj  = "score_created_created_adjacent"
	ScoreCreatedCreatedJump = "score_created_created_jump"
	ScoreRealFound          = "score_real_found"
	ScoreFoundReal          = "score_found_real"
	ScoreFoundFoundAdj      = "score_found_found_adjacent"
	ScoreFoundFoundJump     = "score_found_found_jump"
	ScoreCreatedFound       = "score_created_found"
	ScoreFoundCreated       = "score_found_created"
	MaxSpliceCount          = "max_splice_count"
	MaxSpliceDistance       = "max_splice_distance"
	LoopMaxDepth            = "loop_max_depth"
	LoopMaxLength           = "loop_max_length"
	DoublewayMaxDepth       = "doubleway_max_depth"
	ParallelMaxDepth        = "parallel_max_depth"
	OptimisationRelax       = "optimisation_relax"
	optimisationKey         = "optimisation"
	envPrefix               = "TRACEMERGE"
)

var defaults = map[string]float64{
	SearchDistance:      15,
	SearchAngle:         0.2 * math.Pi,
	AcceptAngle:         0.25 * math.Pi,
	MinStepDistance:     5,
	MaxStepDistance:     30,
	CurvatureBudget:     0.5,
	StepSmoothingFactor: 2,
	SufficientPathLen:   40,
	LookaheadDistance:   60,
	VirtualMinTraceGap:  90,
	WeightDistance:      1,
	WeightDirection:     2,

	ScoreRealRealEdge:       1,
	ScoreRealRealNoEdge:     8,
	ScoreRealCreated:        4,
	ScoreCreatedReal:        4,
	ScoreCreatedCreatedAdj:  2,
	ScoreCreatedCreatedJump: 50,
	ScoreRealFound:          4,
	ScoreFoundReal:          4,
	ScoreFoundFoundAdj:      0.5,
	ScoreFoundFoundJump:     50,
	ScoreCreatedFound:       1,
	ScoreFoundCreated:       1,

	MaxSpliceCount:    3,
	MaxSpliceDistance: 30,
	LoopMaxDepth:      50,
	LoopMaxLength:     500,
	DoublewayMaxDepth: 8,
	ParallelMaxDepth:  10,
	OptimisationRelax: 2,
}

// Params is the flat key→number parameter map. The zero value is not
// usable; start from Defaults.
type Params struct {
	values       map[string]float64
	Optimisation bool
}

// Defaults returns the built-in parameter set.
func Defaults() *Params {
	p := &Params{values: make(map[string]float64, len(defaults))}
	for k, v := range defaults {
		p.values[k] = v
	}
	return p
}

// Keys lists every known key, sorted.
func Keys() []string {
	keys := make([]string, 0, len(defaults))
	for k := range defaults {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Get returns the value of key. Unknown keys panic: every caller uses one
// of the constants above.
func (p *Params) Get(key string) float64 {
	v, ok := p.values[key]
	if !ok {
		panic(fmt.Sprintf("config: %s %q", ErrUnknownKey, key))
	}
	return v
}

// Set overrides one parameter.
func (p *Params) Set(key string, v float64) error {
	if _, ok := defaults[key]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
	if math.IsNaN(v) || v < 0 {
		return fmt.Errorf("parameter %q: invalid value %v", key, v)
	}
	p.values[key] = v
	return nil
}

// Clone returns an independent copy.
func (p *Params) Clone() *Params {
	c := &Params{values: make(map[string]float64, len(p.values)), Optimisation: p.Optimisation}
	for k, v := range p.values {
		c.values[k] = v
	}
	return c
}

// Map returns a copy of all values, for protocol records.
func (p *Params) Map() map[string]float64 {
	out := make(map[string]float64, len(p.values))
	for k, v := range p.values {
		out[k] = v
	}
	return out
}

func (p *Params) SearchDistance() float64  { return p.Get(SearchDistance) }
func (p *Params) MinStepDistance() float64 { return p.Get(MinStepDistance) }
func (p *Params) MaxStepDistance() float64 { return p.Get(MaxStepDistance) }

// InterpolationDistance is the hop length above which Apply interpolates.
// Optimisation mode relaxes it.
func (p *Params) InterpolationDistance() float64 {
	if p.Optimisation {
		return p.Get(MaxStepDistance) * p.Get(OptimisationRelax)
	}
	return p.Get(MaxStepDistance)
}

// Validate checks relations between parameters.
func (p *Params) Validate() error {
	if p.Get(MinStepDistance) <= 0 {
		return fmt.Errorf("%s must be positive", MinStepDistance)
	}
	if p.Get(MaxStepDistance) < p.Get(MinStepDistance) {
		return fmt.Errorf("%s < %s", MaxStepDistance, MinStepDistance)
	}
	if p.Get(SearchDistance) <= 0 {
		return fmt.Errorf("%s must be positive", SearchDistance)
	}
	if p.Get(StepSmoothingFactor) < 1 {
		return fmt.Errorf("%s must be at least 1", StepSmoothingFactor)
	}
	return nil
}

// Load reads parameters from path on top of the defaults, then applies
// TRACEMERGE_* environment overrides. YAML, JSON and TOML files go through
// viper; .hcl files are read as HCL2 attributes. An empty path reads the
// environment only.
func Load(path string) (*Params, error) {
	p := Defaults()

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if strings.EqualFold(filepath.Ext(path), ".hcl") {
			if err := loadHCL(path, p); err != nil {
				return nil, err
			}
		} else {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
			for _, key := range v.AllKeys() {
				if _, ok := defaults[key]; !ok && key != optimisationKey {
					return nil, fmt.Errorf("%s: %w: %q", path, ErrUnknownKey, key)
				}
			}
		}
	}

	for _, key := range Keys() {
		if !v.IsSet(key) {
			continue
		}
		f, err := toFloat(v.Get(key))
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", key, err)
		}
		if err := p.Set(key, f); err != nil {
			return nil, err
		}
	}
	if v.IsSet(optimisationKey) {
		p.Optimisation = v.GetBool(optimisationKey)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func toFloat(raw any) (float64, error) {
	switch n := raw.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(n), 64)
	default:
		return 0, fmt.Errorf("expected number, got %T", raw)
	}
}
