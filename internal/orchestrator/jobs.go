// Package orchestrator manages deployment packages, per-device deployment
// jobs, and group rollout strategies. Job state follows the fixed path
// pending -> downloading -> verifying -> {completed|failed}, with an
// explicit rollback branch from completed to rolled_back.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/edgefleet/edgefleet/internal/errors"
	"github.com/edgefleet/edgefleet/internal/observability"
	"github.com/edgefleet/edgefleet/pkg/model"
)

// Commander sends commands to devices and awaits their responses. Satisfied
// by the gateway hub.
type Commander interface {
	SendCommand(ctx context.Context, deviceID, command string, payload any) (*model.CommandResponse, error)
}

// DeviceStatuser reports device liveness. Satisfied by the fleet registry.
type DeviceStatuser interface {
	Status(deviceID string) model.DeviceStatus
}

// Options tunes rollout timing and concurrency.
type Options struct {
	// DeviceWaitTimeout bounds how long the per-job driver polls for a
	// device-reported terminal state before abandoning the job as stuck.
	DeviceWaitTimeout   time.Duration
	DeviceWaitPollEvery time.Duration

	// SequentialTimeout bounds the per-device wait of the sequential
	// strategy.
	SequentialTimeout   time.Duration
	SequentialPollEvery time.Duration

	// MaxConcurrentDeploys bounds parallel rollout fan-out.
	MaxConcurrentDeploys int

	// GateCanary aborts the main wave when any canary job fails. Off by
	// default: the canary wave then only staggers the rollout.
	GateCanary bool
}

func (o *Options) applyDefaults() {
	if o.DeviceWaitTimeout <= 0 {
		o.DeviceWaitTimeout = 10 * time.Minute
	}
	if o.DeviceWaitPollEvery <= 0 {
		o.DeviceWaitPollEvery = 2 * time.Second
	}
	if o.SequentialTimeout <= 0 {
		o.SequentialTimeout = 5 * time.Minute
	}
	if o.SequentialPollEvery <= 0 {
		o.SequentialPollEvery = 2 * time.Second
	}
	if o.MaxConcurrentDeploys <= 0 {
		o.MaxConcurrentDeploys = 32
	}
}

// Service is the deployment orchestrator.
type Service struct {
	commander Commander
	devices   DeviceStatuser
	metrics   *observability.Metrics
	logger    *slog.Logger
	clock     errors.Clock
	opener    ArtifactOpener
	opts      Options

	mu        sync.Mutex
	packages  map[string]model.DeploymentPackage
	jobs      map[string]*model.DeploymentJob
	observers []func(model.DeploymentJob)
}

// NewService creates an orchestrator. opener and clock may be nil for the
// local-file and real-clock defaults.
func NewService(commander Commander, devices DeviceStatuser, metrics *observability.Metrics, opts Options, opener ArtifactOpener, clock errors.Clock, logger *slog.Logger) *Service {
	opts.applyDefaults()
	if opener == nil {
		opener = localFileOpener{}
	}
	if clock == nil {
		clock = errors.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		commander: commander,
		devices:   devices,
		metrics:   metrics,
		logger:    logger.With("component", "orchestrator"),
		clock:     clock,
		opener:    opener,
		opts:      opts,
		packages:  make(map[string]model.DeploymentPackage),
		jobs:      make(map[string]*model.DeploymentJob),
	}
}

// RegisterObserver adds a callback invoked after every job change. Must be
// called before any deployment starts.
func (s *Service) RegisterObserver(fn func(model.DeploymentJob)) {
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

// statusRank orders the forward path; equal terminal ranks make completed
// and failed mutually exclusive.
var statusRank = map[model.JobStatus]int{
	model.JobPending:     0,
	model.JobDownloading: 1,
	model.JobVerifying:   2,
	model.JobCompleted:   3,
	model.JobFailed:      3,
	model.JobRolledBack:  4,
}

// DeployToDevice creates a deployment job and starts its driver. The call
// returns as soon as the job exists; completion is observed through status
// queries and observers.
func (s *Service) DeployToDevice(ctx context.Context, deviceID, packageID string) (string, error) {
	pkg, err := s.GetPackage(packageID)
	if err != nil {
		return "", err
	}
	if st := s.devices.Status(deviceID); st != model.DeviceOnline {
		return "", &errors.FleetError{
			Code:      errors.ErrDeviceOffline,
			Message:   fmt.Sprintf("device %s is %s", deviceID, st),
			Component: "orchestrator",
			Timestamp: time.Now().UnixMilli(),
		}
	}

	job := &model.DeploymentJob{
		JobID:     uuid.New().String(),
		DeviceID:  deviceID,
		PackageID: packageID,
		Status:    model.JobPending,
		StartedAt: s.clock.Now().UnixMilli(),
	}
	s.mu.Lock()
	s.jobs[job.JobID] = job
	snapshot := *job
	s.mu.Unlock()

	s.metrics.ActiveJobs.Inc()
	s.metrics.JobTransitions.WithLabelValues(string(model.JobPending)).Inc()
	s.notify(snapshot)

	go s.drive(job.JobID, deviceID, pkg)
	return job.JobID, nil
}

// drive moves a job to downloading, instructs the device, then polls for a
// device-reported terminal state. A silent device leaves the job stuck in
// its last non-terminal state once the wait budget is spent.
func (s *Service) drive(jobID, deviceID string, pkg model.DeploymentPackage) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.DeviceWaitTimeout)
	defer cancel()

	s.applyTransition(jobID, deviceID, model.JobDownloading, 0, "")

	resp, err := s.commander.SendCommand(ctx, deviceID, model.CommandStartDeployment, model.StartDeploymentPayload{
		JobID:     jobID,
		PackageID: pkg.PackageID,
		Name:      pkg.Name,
		Version:   pkg.Version,
		Type:      pkg.Type,
		Source:    pkg.Source,
		Checksum:  pkg.Checksum,
		SizeBytes: pkg.SizeBytes,
		Metadata:  pkg.Metadata,
	})
	if err != nil {
		s.applyTransition(jobID, deviceID, model.JobFailed, 0, err.Error())
		return
	}
	if !resp.Success {
		s.applyTransition(jobID, deviceID, model.JobFailed, 0, resp.Error)
		return
	}

	if !s.awaitTerminal(ctx, jobID, s.opts.DeviceWaitPollEvery) {
		s.logger.Warn("job never reached a terminal state, leaving as-is",
			"job_id", jobID, "device_id", deviceID, "waited", s.opts.DeviceWaitTimeout)
	}
}

// awaitTerminal polls until the job is terminal or ctx ends; reports
// whether a terminal state was reached.
func (s *Service) awaitTerminal(ctx context.Context, jobID string, poll time.Duration) bool {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		if job, err := s.GetDeploymentStatus(jobID); err == nil && job.Status.Terminal() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// HandleDeploymentStatus applies a device-reported update to the matching
// job. Updates for unknown jobs, mismatched devices, or illegal transitions
// are ignored.
func (s *Service) HandleDeploymentStatus(u model.DeploymentStatusUpdate) {
	s.mu.Lock()
	job, ok := s.jobs[u.JobID]
	if !ok || job.DeviceID != u.DeviceID {
		s.mu.Unlock()
		if !ok {
			s.logger.Debug("status update for unknown job", "job_id", u.JobID)
		} else {
			s.logger.Warn("status update from wrong device",
				"job_id", u.JobID, "device_id", u.DeviceID)
		}
		return
	}
	s.mu.Unlock()

	s.applyTransition(u.JobID, u.DeviceID, u.Status, u.ProgressPercent, u.ErrorMessage)
}

// applyTransition mutates a job under the legality rules and notifies
// observers. Returns false when the transition was rejected.
func (s *Service) applyTransition(jobID, deviceID string, next model.JobStatus, progress float64, errMsg string) bool {
	nextRank, known := statusRank[next]
	if !known {
		s.logger.Warn("unknown job status", "job_id", jobID, "status", next)
		return false
	}

	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok || job.DeviceID != deviceID {
		s.mu.Unlock()
		return false
	}
	cur := job.Status
	curRank := statusRank[cur]
	switch {
	case cur.Terminal() && !(cur == model.JobCompleted && next == model.JobRolledBack):
		s.mu.Unlock()
		s.logger.Debug("transition from terminal state ignored",
			"job_id", jobID, "from", cur, "to", next)
		return false
	case nextRank < curRank:
		s.mu.Unlock()
		s.logger.Warn("backward transition ignored",
			"job_id", jobID, "from", cur, "to", next)
		return false
	}

	changed := cur != next
	job.Status = next
	if progress > job.ProgressPercent {
		job.ProgressPercent = progress
	}
	if next == model.JobCompleted {
		job.ProgressPercent = 100
		job.Verified = true
		job.RollbackAvailable = true
	}
	if errMsg != "" {
		job.ErrorMessage = errMsg
	}
	if next.Terminal() {
		job.CompletedAt = s.clock.Now().UnixMilli()
	}
	snapshot := *job
	s.mu.Unlock()

	if changed {
		s.metrics.JobTransitions.WithLabelValues(string(next)).Inc()
		if next.Terminal() && !(cur == model.JobCompleted && next == model.JobRolledBack) {
			s.metrics.ActiveJobs.Dec()
		}
		s.logger.Info("job transition",
			"job_id", jobID, "from", cur, "to", next, "progress", snapshot.ProgressPercent)
	}
	s.notify(snapshot)
	return true
}

func (s *Service) notify(job model.DeploymentJob) {
	s.mu.Lock()
	observers := s.observers
	s.mu.Unlock()
	for _, fn := range observers {
		fn(job)
	}
}

// RollbackDeployment reverts a completed job on its device. Only jobs with
// rollback_available are eligible; everything else is rejected untouched.
func (s *Service) RollbackDeployment(ctx context.Context, jobID string) error {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	var snapshot model.DeploymentJob
	if ok {
		snapshot = *job
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("orchestrator: job %s not found", jobID)
	}
	if !snapshot.RollbackAvailable {
		return &errors.FleetError{
			Code:      errors.ErrRollbackUnavailable,
			Message:   fmt.Sprintf("job %s is %s and cannot be rolled back", jobID, snapshot.Status),
			Component: "orchestrator",
			Timestamp: time.Now().UnixMilli(),
		}
	}

	resp, err := s.commander.SendCommand(ctx, snapshot.DeviceID, model.CommandRollbackDeployment,
		model.RollbackDeploymentPayload{JobID: jobID})
	if err != nil {
		return fmt.Errorf("orchestrator: rollback of %s: %w", jobID, err)
	}
	if !resp.Success {
		return fmt.Errorf("orchestrator: rollback of %s rejected by device: %s", jobID, resp.Error)
	}

	s.applyTransition(jobID, snapshot.DeviceID, model.JobRolledBack, snapshot.ProgressPercent, "")
	return nil
}

// GetDeploymentStatus returns a copy of the job.
func (s *Service) GetDeploymentStatus(jobID string) (model.DeploymentJob, error) {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	var snapshot model.DeploymentJob
	if ok {
		snapshot = *job
	}
	s.mu.Unlock()
	if !ok {
		return model.DeploymentJob{}, fmt.Errorf("orchestrator: job %s not found", jobID)
	}
	return snapshot, nil
}

// ListJobs returns all jobs, newest first.
func (s *Service) ListJobs() []model.DeploymentJob {
	s.mu.Lock()
	jobs := make([]model.DeploymentJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, *j)
	}
	s.mu.Unlock()

	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].StartedAt != jobs[j].StartedAt {
			return jobs[i].StartedAt > jobs[j].StartedAt
		}
		return jobs[i].JobID < jobs[j].JobID
	})
	return jobs
}
