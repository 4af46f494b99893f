package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/edgefleet/edgefleet/pkg/model"
)

// sendFunc is the agent's serialized outbound path.
type sendFunc func(ctx context.Context, env model.Envelope) error

// Installer performs the device-local install of a package: fetch the
// artifact, verify it, and activate it. progress is called with values in
// [0, 100] during the fetch phase.
type Installer interface {
	Install(ctx context.Context, p model.StartDeploymentPayload, progress func(percent float64)) error
}

// sleepInstaller is the default Installer: it walks the progress curve with
// a short pause per step and always succeeds. Real devices wire in a
// package-manager integration.
type sleepInstaller struct {
	stepDelay time.Duration
}

func (in sleepInstaller) Install(ctx context.Context, _ model.StartDeploymentPayload, progress func(float64)) error {
	for _, pct := range []float64{25, 50, 75, 100} {
		if !sleepCtx(ctx, in.stepDelay) {
			return ctx.Err()
		}
		progress(pct)
	}
	return nil
}

// DeploymentRunner executes start_deployment jobs locally and reports
// progress through asynchronous deployment_status messages. Commands are
// acknowledged before any work happens; the control plane's job state
// machine advances on the status updates alone.
type DeploymentRunner struct {
	deviceID  string
	send      sendFunc
	logger    *slog.Logger
	installer Installer

	mu        sync.Mutex
	active    map[string]model.StartDeploymentPayload // in-flight jobs
	completed map[string]model.StartDeploymentPayload // rollback-eligible
}

// NewDeploymentRunner creates a runner. installer may be nil, in which case
// a fast always-succeeding default is used.
func NewDeploymentRunner(deviceID string, send sendFunc, logger *slog.Logger, installer Installer) *DeploymentRunner {
	if logger == nil {
		logger = slog.Default()
	}
	if installer == nil {
		installer = sleepInstaller{stepDelay: 50 * time.Millisecond}
	}
	return &DeploymentRunner{
		deviceID:  deviceID,
		send:      send,
		logger:    logger.With("component", "deploy-runner"),
		installer: installer,
		active:    make(map[string]model.StartDeploymentPayload),
		completed: make(map[string]model.StartDeploymentPayload),
	}
}

// Start accepts a deployment job and runs it in the background. A job id
// already in flight is rejected.
func (r *DeploymentRunner) Start(p model.StartDeploymentPayload) error {
	r.mu.Lock()
	if _, inFlight := r.active[p.JobID]; inFlight {
		r.mu.Unlock()
		return fmt.Errorf("deployment %s already in progress", p.JobID)
	}
	r.active[p.JobID] = p
	r.mu.Unlock()

	go r.run(p)
	return nil
}

// Rollback reverts a completed job. Only jobs this runner completed in the
// current session are eligible.
func (r *DeploymentRunner) Rollback(jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.completed[jobID]; !ok {
		return fmt.Errorf("no completed deployment %s to roll back", jobID)
	}
	delete(r.completed, jobID)
	r.logger.Info("deployment rolled back", "job_id", jobID)
	return nil
}

// ActiveJobs returns in-flight job ids in stable order, for heartbeats.
func (r *DeploymentRunner) ActiveJobs() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

func (r *DeploymentRunner) run(p model.StartDeploymentPayload) {
	// Status updates are emitted on a background context: the triggering
	// command has long been acknowledged.
	ctx := context.Background()

	defer func() {
		r.mu.Lock()
		delete(r.active, p.JobID)
		r.mu.Unlock()
	}()

	r.emit(ctx, p.JobID, model.JobDownloading, 0, "")

	err := r.installer.Install(ctx, p, func(pct float64) {
		// Fetch occupies the first three quarters of the progress bar;
		// verification reports the rest.
		r.emit(ctx, p.JobID, model.JobDownloading, pct*0.75, "")
	})
	if err != nil {
		r.emit(ctx, p.JobID, model.JobFailed, 0, err.Error())
		r.logger.Warn("deployment failed", "job_id", p.JobID, "error", err)
		return
	}

	r.emit(ctx, p.JobID, model.JobVerifying, 90, "")

	r.mu.Lock()
	r.completed[p.JobID] = p
	r.mu.Unlock()

	r.emit(ctx, p.JobID, model.JobCompleted, 100, "")
	r.logger.Info("deployment completed",
		"job_id", p.JobID, "package", p.Name, "version", p.Version)
}

func (r *DeploymentRunner) emit(ctx context.Context, jobID string, status model.JobStatus, progress float64, errMsg string) {
	env := model.Envelope{
		Type: model.MessageDeploymentStatus,
		DeploymentStatus: &model.DeploymentStatusUpdate{
			DeviceID:        r.deviceID,
			JobID:           jobID,
			Status:          status,
			ProgressPercent: progress,
			ErrorMessage:    errMsg,
		},
	}
	if err := r.send(ctx, env); err != nil {
		r.logger.Warn("deployment status send failed",
			"job_id", jobID, "status", status, "error", err)
	}
}
