package merge

import (
	"github.com/agentic-research/tracemerge/internal/config"
	"github.com/agentic-research/tracemerge/internal/trace"
	"gonum.org/v1/gonum/floats"
)

// stepSizes returns the scan step for every trace segment. Curvy segments
// get shorter steps so virtual nodes follow the bend.
func stepSizes(tr *trace.Trace, p *config.Params) []float64 {
	minStep, maxStep := p.MinStepDistance(), p.MaxStepDistance()
	budget := p.Get(config.CurvatureBudget)

	steps := make([]float64, tr.Len()-1)
	for i := range steps {
		_, from := tr.Vertex(i)
		_, to := tr.Vertex(i + 1)
		k := tr.MaxCurvature(from, to)
		step := maxStep
		for k*step > budget && step/2 >= minStep {
			step /= 2
		}
		steps[i] = step
	}
	smoothSteps(steps, p.Get(config.StepSmoothingFactor))
	return steps
}

// smoothSteps shrinks steps until no two neighbors differ by more than
// factor. Values only decrease, so this reaches a fixed point.
func smoothSteps(steps []float64, factor float64) {
	if len(steps) < 2 {
		return
	}
	prev := make([]float64, len(steps))
	for {
		copy(prev, steps)
		for i := 1; i < len(steps); i++ {
			if steps[i] > steps[i-1]*factor {
				steps[i] = steps[i-1] * factor
			}
			if steps[i-1] > steps[i]*factor {
				steps[i-1] = steps[i] * factor
			}
		}
		if floats.Equal(prev, steps) {
			return
		}
	}
}

// stepAt returns the scan step at trace position pos.
func (r *run) stepAt(pos float64) float64 {
	i, _, _, _ := r.tr.PointsAround(pos)
	return r.steps[i]
}
