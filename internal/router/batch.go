package router

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/edgefleet/edgefleet/pkg/model"
)

// BatchInfer routes a batch of requests. Specs are partitioned by resolved
// location and the partitions execute concurrently; within a partition
// requests run in order. Results are collected in completion order, so
// callers correlate them to specs by request id, not by index.
func (r *Router) BatchInfer(ctx context.Context, specs []InferSpec) []model.InferenceResult {
	if len(specs) == 0 {
		return nil
	}

	var edgeSpecs, cloudSpecs []InferSpec
	for _, spec := range specs {
		probe := model.InferenceRequest{
			ModelName:         spec.ModelName,
			PreferredLocation: spec.PreferredLocation,
			MaxLatencyMS:      spec.MaxLatencyMS,
			FallbackEnabled:   spec.FallbackEnabled,
		}
		location, _, err := r.resolve(probe)
		if err != nil || location == model.LocationEdge {
			// Unroutable specs stay in the edge partition; Infer produces
			// their structured failure results.
			edgeSpecs = append(edgeSpecs, spec)
			continue
		}
		cloudSpecs = append(cloudSpecs, spec)
	}

	var mu sync.Mutex
	results := make([]model.InferenceResult, 0, len(specs))
	run := func(partition []InferSpec) func() error {
		return func() error {
			for _, spec := range partition {
				res := r.Infer(ctx, spec)
				mu.Lock()
				results = append(results, res)
				mu.Unlock()
			}
			return nil
		}
	}

	var g errgroup.Group
	g.Go(run(edgeSpecs))
	g.Go(run(cloudSpecs))
	_ = g.Wait() // run funcs never return errors; failures are in-band

	return results
}
