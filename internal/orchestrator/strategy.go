package orchestrator

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/edgefleet/edgefleet/pkg/model"
)

// Strategy executes one group rollout. Implementations fill one result per
// device, in the caller's device order.
type Strategy interface {
	Name() model.RolloutStrategy
	Execute(ctx context.Context, s *Service, deviceIDs []string, packageID string) []model.GroupDeploymentResult
}

// DeployToGroup rolls a package out to a device group using the named
// strategy. batchSize only applies to the canary strategy.
func (s *Service) DeployToGroup(ctx context.Context, deviceIDs []string, packageID string, strategy model.RolloutStrategy, batchSize int) ([]model.GroupDeploymentResult, error) {
	if len(deviceIDs) == 0 {
		return nil, fmt.Errorf("orchestrator: empty device group")
	}
	if _, err := s.GetPackage(packageID); err != nil {
		return nil, err
	}

	st, err := s.strategyFor(strategy, batchSize)
	if err != nil {
		return nil, err
	}

	s.metrics.GroupRollouts.WithLabelValues(string(st.Name())).Inc()
	s.logger.Info("group rollout started",
		"strategy", st.Name(), "devices", len(deviceIDs), "package_id", packageID)

	return st.Execute(ctx, s, deviceIDs, packageID), nil
}

func (s *Service) strategyFor(strategy model.RolloutStrategy, batchSize int) (Strategy, error) {
	switch strategy {
	case model.RolloutParallel, "":
		return &parallelStrategy{limit: s.opts.MaxConcurrentDeploys}, nil
	case model.RolloutSequential:
		return &sequentialStrategy{
			timeout: s.opts.SequentialTimeout,
			poll:    s.opts.SequentialPollEvery,
		}, nil
	case model.RolloutCanary:
		if batchSize < 1 {
			batchSize = 1
		}
		return &canaryStrategy{
			batchSize: batchSize,
			gate:      s.opts.GateCanary,
			limit:     s.opts.MaxConcurrentDeploys,
		}, nil
	default:
		return nil, fmt.Errorf("orchestrator: unknown rollout strategy %q", strategy)
	}
}

// resultFor captures a device's rollout outcome at the time of the call.
func resultFor(s *Service, deviceID, jobID string, err error) model.GroupDeploymentResult {
	if err != nil {
		return model.GroupDeploymentResult{
			DeviceID: deviceID,
			Error:    err.Error(),
			Status:   model.JobFailed,
		}
	}
	status := model.JobPending
	if job, jerr := s.GetDeploymentStatus(jobID); jerr == nil {
		status = job.Status
	}
	return model.GroupDeploymentResult{DeviceID: deviceID, JobID: jobID, Status: status}
}

// refreshStatuses re-reads job statuses so results reflect the state at
// strategy completion.
func refreshStatuses(s *Service, results []model.GroupDeploymentResult) {
	for i := range results {
		if results[i].JobID == "" {
			continue
		}
		if job, err := s.GetDeploymentStatus(results[i].JobID); err == nil {
			results[i].Status = job.Status
		}
	}
}

// parallelStrategy initiates all devices concurrently under a bounded
// semaphore. One device's initiation failure never blocks the others.
type parallelStrategy struct {
	limit int
}

func (p *parallelStrategy) Name() model.RolloutStrategy { return model.RolloutParallel }

func (p *parallelStrategy) Execute(ctx context.Context, s *Service, deviceIDs []string, packageID string) []model.GroupDeploymentResult {
	results := make([]model.GroupDeploymentResult, len(deviceIDs))
	sem := semaphore.NewWeighted(int64(p.limit))

	for i, deviceID := range deviceIDs {
		if err := sem.Acquire(ctx, 1); err != nil {
			results[i] = resultFor(s, deviceID, "", err)
			continue
		}
		go func(i int, deviceID string) {
			defer sem.Release(1)
			jobID, err := s.DeployToDevice(ctx, deviceID, packageID)
			results[i] = resultFor(s, deviceID, jobID, err)
		}(i, deviceID)
	}

	// Wait for every in-flight initiation.
	if err := sem.Acquire(context.Background(), int64(p.limit)); err == nil {
		sem.Release(int64(p.limit))
	}
	return results
}

// sequentialStrategy deploys one device at a time, waiting up to timeout
// for each job to reach a terminal state before moving on. A timed-out job
// is abandoned as-is and the rollout continues.
type sequentialStrategy struct {
	timeout time.Duration
	poll    time.Duration
}

func (q *sequentialStrategy) Name() model.RolloutStrategy { return model.RolloutSequential }

func (q *sequentialStrategy) Execute(ctx context.Context, s *Service, deviceIDs []string, packageID string) []model.GroupDeploymentResult {
	results := make([]model.GroupDeploymentResult, len(deviceIDs))
	for i, deviceID := range deviceIDs {
		jobID, err := s.DeployToDevice(ctx, deviceID, packageID)
		if err != nil {
			results[i] = resultFor(s, deviceID, "", err)
			continue
		}

		waitCtx, cancel := context.WithTimeout(ctx, q.timeout)
		if !s.awaitTerminal(waitCtx, jobID, q.poll) {
			s.logger.Warn("sequential rollout moving on from unfinished job",
				"job_id", jobID, "device_id", deviceID)
		}
		cancel()
		results[i] = resultFor(s, deviceID, jobID, nil)
	}
	return results
}

// canaryStrategy deploys the first batchSize devices, waits for all canary
// jobs to settle, then rolls out the rest in parallel. With gating enabled
// a failed canary aborts the main wave.
type canaryStrategy struct {
	batchSize int
	gate      bool
	limit     int
}

func (c *canaryStrategy) Name() model.RolloutStrategy { return model.RolloutCanary }

func (c *canaryStrategy) Execute(ctx context.Context, s *Service, deviceIDs []string, packageID string) []model.GroupDeploymentResult {
	n := c.batchSize
	if n > len(deviceIDs) {
		n = len(deviceIDs)
	}
	canaries, rest := deviceIDs[:n], deviceIDs[n:]

	par := &parallelStrategy{limit: c.limit}
	results := par.Execute(ctx, s, canaries, packageID)

	// Wait for every canary job to settle before touching the main wave.
	canaryFailed := false
	for i := range results {
		if results[i].JobID == "" {
			canaryFailed = true
			continue
		}
		if !s.awaitTerminal(ctx, results[i].JobID, s.opts.DeviceWaitPollEvery) {
			canaryFailed = true
		}
	}
	refreshStatuses(s, results)
	for i := range results {
		if results[i].Status == model.JobFailed {
			canaryFailed = true
		}
	}

	if c.gate && canaryFailed {
		s.logger.Warn("canary gate closed, aborting main wave",
			"canaries", n, "remaining", len(rest))
		for _, deviceID := range rest {
			results = append(results, model.GroupDeploymentResult{
				DeviceID: deviceID,
				Error:    "canary wave failed",
				Status:   model.JobFailed,
			})
		}
		return results
	}

	results = append(results, par.Execute(ctx, s, rest, packageID)...)
	return results
}
