package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgefleet/edgefleet/pkg/model"
)

// statusRecorder captures emitted deployment_status updates.
type statusRecorder struct {
	mu      sync.Mutex
	updates []model.DeploymentStatusUpdate
	done    chan struct{} // closed on first terminal status
	once    sync.Once
}

func newStatusRecorder() *statusRecorder {
	return &statusRecorder{done: make(chan struct{})}
}

func (r *statusRecorder) send(_ context.Context, env model.Envelope) error {
	if env.Type != model.MessageDeploymentStatus || env.DeploymentStatus == nil {
		return nil
	}
	r.mu.Lock()
	r.updates = append(r.updates, *env.DeploymentStatus)
	r.mu.Unlock()
	if env.DeploymentStatus.Status.Terminal() {
		r.once.Do(func() { close(r.done) })
	}
	return nil
}

func (r *statusRecorder) wait(t *testing.T) []model.DeploymentStatusUpdate {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		t.Fatal("no terminal deployment status")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.DeploymentStatusUpdate, len(r.updates))
	copy(out, r.updates)
	return out
}

type failingInstaller struct{}

func (failingInstaller) Install(_ context.Context, _ model.StartDeploymentPayload, _ func(float64)) error {
	return assert.AnError
}

// blockingInstaller holds the job open until released.
type blockingInstaller struct {
	release chan struct{}
}

func (in blockingInstaller) Install(_ context.Context, _ model.StartDeploymentPayload, _ func(float64)) error {
	<-in.release
	return nil
}

func TestDeploymentRunner_SuccessPath(t *testing.T) {
	rec := newStatusRecorder()
	r := NewDeploymentRunner("dev-1", rec.send, nil, sleepInstaller{stepDelay: time.Millisecond})

	require.NoError(t, r.Start(model.StartDeploymentPayload{JobID: "job-1", Name: "yolo-v8"}))
	updates := rec.wait(t)

	require.NotEmpty(t, updates)
	assert.Equal(t, model.JobDownloading, updates[0].Status)
	last := updates[len(updates)-1]
	assert.Equal(t, model.JobCompleted, last.Status)
	assert.InDelta(t, 100.0, last.ProgressPercent, 0.001)
	assert.Equal(t, "dev-1", last.DeviceID)

	var sawVerifying bool
	for _, u := range updates {
		if u.Status == model.JobVerifying {
			sawVerifying = true
		}
	}
	assert.True(t, sawVerifying, "verifying phase must be reported")

	// The finished job left the active set and became rollback-eligible.
	assert.Empty(t, r.ActiveJobs())
	assert.NoError(t, r.Rollback("job-1"))
}

func TestDeploymentRunner_InstallFailure(t *testing.T) {
	rec := newStatusRecorder()
	r := NewDeploymentRunner("dev-1", rec.send, nil, failingInstaller{})

	require.NoError(t, r.Start(model.StartDeploymentPayload{JobID: "job-2"}))
	updates := rec.wait(t)

	last := updates[len(updates)-1]
	assert.Equal(t, model.JobFailed, last.Status)
	assert.NotEmpty(t, last.ErrorMessage)

	// Failed jobs are not rollback-eligible.
	assert.Error(t, r.Rollback("job-2"))
}

func TestDeploymentRunner_RejectsDuplicateJob(t *testing.T) {
	in := blockingInstaller{release: make(chan struct{})}
	rec := newStatusRecorder()
	r := NewDeploymentRunner("dev-1", rec.send, nil, in)

	require.NoError(t, r.Start(model.StartDeploymentPayload{JobID: "job-3"}))
	err := r.Start(model.StartDeploymentPayload{JobID: "job-3"})
	assert.ErrorContains(t, err, "already in progress")

	assert.Equal(t, []string{"job-3"}, r.ActiveJobs())
	close(in.release)
	rec.wait(t)
}

func TestDeploymentRunner_RollbackUnknownJob(t *testing.T) {
	r := NewDeploymentRunner("dev-1", newStatusRecorder().send, nil, nil)
	assert.Error(t, r.Rollback("nope"))
}
