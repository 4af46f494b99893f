package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgefleet/edgefleet/internal/errors"
	"github.com/edgefleet/edgefleet/internal/observability"
	"github.com/edgefleet/edgefleet/pkg/model"
)

// fakeCommander records commands and delegates to a settable handler.
type fakeCommander struct {
	mu      sync.Mutex
	calls   []string // "<device>:<command>"
	handler func(deviceID, command string, payload any) (*model.CommandResponse, error)
}

func (f *fakeCommander) SendCommand(_ context.Context, deviceID, command string, payload any) (*model.CommandResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, deviceID+":"+command)
	handler := f.handler
	f.mu.Unlock()
	if handler == nil {
		return &model.CommandResponse{Command: command, Success: true}, nil
	}
	return handler(deviceID, command, payload)
}

func (f *fakeCommander) commandCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// fakeStatuser reports online unless a device is listed otherwise.
type fakeStatuser struct {
	mu       sync.Mutex
	statuses map[string]model.DeviceStatus
}

func (f *fakeStatuser) Status(deviceID string) model.DeviceStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.statuses[deviceID]; ok {
		return st
	}
	return model.DeviceOnline
}

type fixture struct {
	svc       *Service
	commander *fakeCommander
	statuser  *fakeStatuser
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	if opts.DeviceWaitTimeout == 0 {
		opts.DeviceWaitTimeout = 2 * time.Second
	}
	if opts.DeviceWaitPollEvery == 0 {
		opts.DeviceWaitPollEvery = 5 * time.Millisecond
	}
	if opts.SequentialTimeout == 0 {
		opts.SequentialTimeout = 150 * time.Millisecond
	}
	if opts.SequentialPollEvery == 0 {
		opts.SequentialPollEvery = 5 * time.Millisecond
	}
	cmd := &fakeCommander{}
	st := &fakeStatuser{statuses: map[string]model.DeviceStatus{}}
	svc := NewService(cmd, st, observability.NewMetrics(), opts, nil, nil, nil)
	return &fixture{svc: svc, commander: cmd, statuser: st}
}

// simulateCompletingDevices makes every start_deployment succeed and feed
// the usual downloading/verifying/completed updates back in.
func (fx *fixture) simulateCompletingDevices() {
	fx.commander.mu.Lock()
	defer fx.commander.mu.Unlock()
	fx.commander.handler = func(deviceID, command string, payload any) (*model.CommandResponse, error) {
		if command != model.CommandStartDeployment {
			return &model.CommandResponse{Command: command, Success: true}, nil
		}
		p := payload.(model.StartDeploymentPayload)
		go func() {
			fx.svc.HandleDeploymentStatus(model.DeploymentStatusUpdate{
				DeviceID: deviceID, JobID: p.JobID, Status: model.JobDownloading, ProgressPercent: 50,
			})
			fx.svc.HandleDeploymentStatus(model.DeploymentStatusUpdate{
				DeviceID: deviceID, JobID: p.JobID, Status: model.JobVerifying, ProgressPercent: 90,
			})
			fx.svc.HandleDeploymentStatus(model.DeploymentStatusUpdate{
				DeviceID: deviceID, JobID: p.JobID, Status: model.JobCompleted, ProgressPercent: 100,
			})
		}()
		return &model.CommandResponse{Command: command, Success: true}, nil
	}
}

func (fx *fixture) createPackage(t *testing.T) model.DeploymentPackage {
	t.Helper()
	path := filepath.Join(t.TempDir(), "artifact.bin")
	require.NoError(t, os.WriteFile(path, []byte("model weights"), 0o644))
	pkg, err := fx.svc.CreatePackage(PackageSpec{
		Name: "yolo-v8", Version: "8.2", Type: model.PackageModel, Source: path,
	})
	require.NoError(t, err)
	return pkg
}

func waitForJob(t *testing.T, svc *Service, jobID string, pred func(model.DeploymentJob) bool) model.DeploymentJob {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		job, err := svc.GetDeploymentStatus(jobID)
		if err == nil && pred(job) {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	job, _ := svc.GetDeploymentStatus(jobID)
	t.Fatalf("job %s never reached expected state, last: %+v", jobID, job)
	return model.DeploymentJob{}
}

func TestCreatePackage_ChecksumSizeAndDuplicates(t *testing.T) {
	fx := newFixture(t, Options{})
	path := filepath.Join(t.TempDir(), "artifact.bin")
	content := []byte("some artifact bytes")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	pkg, err := fx.svc.CreatePackage(PackageSpec{
		Name: "fw", Version: "1.0", Type: model.PackageFirmware, Source: path,
	})
	require.NoError(t, err)

	sum := sha256.Sum256(content)
	assert.Equal(t, hex.EncodeToString(sum[:]), pkg.Checksum)
	assert.Equal(t, int64(len(content)), pkg.SizeBytes)
	assert.NotEmpty(t, pkg.PackageID)

	// Same (name, version) registers again under a fresh id.
	dup, err := fx.svc.CreatePackage(PackageSpec{
		Name: "fw", Version: "1.0", Type: model.PackageFirmware, Source: path,
	})
	require.NoError(t, err)
	assert.NotEqual(t, pkg.PackageID, dup.PackageID)
	assert.Len(t, fx.svc.ListPackages(), 2)
}

func TestCreatePackage_MissingArtifact(t *testing.T) {
	fx := newFixture(t, Options{})
	_, err := fx.svc.CreatePackage(PackageSpec{
		Name: "fw", Version: "1.0", Source: filepath.Join(t.TempDir(), "nope.bin"),
	})
	assert.Error(t, err)
}

func TestGetPackage_NotFound(t *testing.T) {
	fx := newFixture(t, Options{})
	_, err := fx.svc.GetPackage("missing")
	var ferr *errors.FleetError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, errors.ErrPackageNotFound, ferr.Code)
}

func TestDeployToDevice_CompletesViaDeviceUpdates(t *testing.T) {
	fx := newFixture(t, Options{})
	fx.simulateCompletingDevices()
	pkg := fx.createPackage(t)

	var seen []model.JobStatus
	var seenMu sync.Mutex
	fx.svc.RegisterObserver(func(j model.DeploymentJob) {
		seenMu.Lock()
		seen = append(seen, j.Status)
		seenMu.Unlock()
	})

	jobID, err := fx.svc.DeployToDevice(context.Background(), "dev-1", pkg.PackageID)
	require.NoError(t, err)

	job := waitForJob(t, fx.svc, jobID, func(j model.DeploymentJob) bool {
		return j.Status == model.JobCompleted
	})
	assert.InDelta(t, 100.0, job.ProgressPercent, 0.001)
	assert.True(t, job.Verified)
	assert.True(t, job.RollbackAvailable)
	assert.NotZero(t, job.CompletedAt)

	seenMu.Lock()
	defer seenMu.Unlock()
	assert.Equal(t, model.JobPending, seen[0], "observers see the job from creation")
	assert.Equal(t, model.JobCompleted, seen[len(seen)-1])
}

func TestDeployToDevice_RequiresOnlineDevice(t *testing.T) {
	fx := newFixture(t, Options{})
	pkg := fx.createPackage(t)
	fx.statuser.statuses["dev-1"] = model.DeviceOffline

	_, err := fx.svc.DeployToDevice(context.Background(), "dev-1", pkg.PackageID)
	var ferr *errors.FleetError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, errors.ErrDeviceOffline, ferr.Code)
}

func TestDeployToDevice_UnknownPackage(t *testing.T) {
	fx := newFixture(t, Options{})
	_, err := fx.svc.DeployToDevice(context.Background(), "dev-1", "missing")
	var ferr *errors.FleetError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, errors.ErrPackageNotFound, ferr.Code)
}

func TestDeployToDevice_DeviceRejectionFailsJob(t *testing.T) {
	fx := newFixture(t, Options{})
	fx.commander.handler = func(_, command string, _ any) (*model.CommandResponse, error) {
		return &model.CommandResponse{Command: command, Error: "disk full"}, nil
	}
	pkg := fx.createPackage(t)

	jobID, err := fx.svc.DeployToDevice(context.Background(), "dev-1", pkg.PackageID)
	require.NoError(t, err)

	job := waitForJob(t, fx.svc, jobID, func(j model.DeploymentJob) bool {
		return j.Status == model.JobFailed
	})
	assert.Equal(t, "disk full", job.ErrorMessage)
}

func TestHandleDeploymentStatus_IgnoresBadUpdates(t *testing.T) {
	fx := newFixture(t, Options{})
	fx.simulateCompletingDevices()
	pkg := fx.createPackage(t)

	jobID, err := fx.svc.DeployToDevice(context.Background(), "dev-1", pkg.PackageID)
	require.NoError(t, err)
	waitForJob(t, fx.svc, jobID, func(j model.DeploymentJob) bool {
		return j.Status == model.JobCompleted
	})

	// Unknown job id: no panic, no effect.
	fx.svc.HandleDeploymentStatus(model.DeploymentStatusUpdate{
		DeviceID: "dev-1", JobID: "bogus", Status: model.JobFailed,
	})

	// Wrong device for a known job: ignored.
	fx.svc.HandleDeploymentStatus(model.DeploymentStatusUpdate{
		DeviceID: "impostor", JobID: jobID, Status: model.JobFailed,
	})

	// Terminal state is immutable.
	fx.svc.HandleDeploymentStatus(model.DeploymentStatusUpdate{
		DeviceID: "dev-1", JobID: jobID, Status: model.JobFailed, ErrorMessage: "late failure",
	})

	job, err := fx.svc.GetDeploymentStatus(jobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, job.Status)
	assert.Empty(t, job.ErrorMessage)
}

func TestHandleDeploymentStatus_RejectsBackwardTransition(t *testing.T) {
	fx := newFixture(t, Options{})
	pkg := fx.createPackage(t)

	jobID, err := fx.svc.DeployToDevice(context.Background(), "dev-1", pkg.PackageID)
	require.NoError(t, err)
	waitForJob(t, fx.svc, jobID, func(j model.DeploymentJob) bool {
		return j.Status == model.JobDownloading
	})

	fx.svc.HandleDeploymentStatus(model.DeploymentStatusUpdate{
		DeviceID: "dev-1", JobID: jobID, Status: model.JobVerifying, ProgressPercent: 90,
	})
	fx.svc.HandleDeploymentStatus(model.DeploymentStatusUpdate{
		DeviceID: "dev-1", JobID: jobID, Status: model.JobDownloading, ProgressPercent: 10,
	})

	job, err := fx.svc.GetDeploymentStatus(jobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobVerifying, job.Status)
	assert.InDelta(t, 90.0, job.ProgressPercent, 0.001, "progress never regresses")
}

func TestRollbackDeployment(t *testing.T) {
	fx := newFixture(t, Options{})
	fx.simulateCompletingDevices()
	pkg := fx.createPackage(t)

	jobID, err := fx.svc.DeployToDevice(context.Background(), "dev-1", pkg.PackageID)
	require.NoError(t, err)
	waitForJob(t, fx.svc, jobID, func(j model.DeploymentJob) bool {
		return j.Status == model.JobCompleted
	})

	require.NoError(t, fx.svc.RollbackDeployment(context.Background(), jobID))

	job, err := fx.svc.GetDeploymentStatus(jobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobRolledBack, job.Status)
	assert.Contains(t, fx.commander.commandCalls(), "dev-1:"+model.CommandRollbackDeployment)
}

func TestRollbackDeployment_UnavailableLeavesJobUntouched(t *testing.T) {
	fx := newFixture(t, Options{})
	pkg := fx.createPackage(t)

	jobID, err := fx.svc.DeployToDevice(context.Background(), "dev-1", pkg.PackageID)
	require.NoError(t, err)
	waitForJob(t, fx.svc, jobID, func(j model.DeploymentJob) bool {
		return j.Status == model.JobDownloading
	})

	err = fx.svc.RollbackDeployment(context.Background(), jobID)
	var ferr *errors.FleetError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, errors.ErrRollbackUnavailable, ferr.Code)

	job, _ := fx.svc.GetDeploymentStatus(jobID)
	assert.Equal(t, model.JobDownloading, job.Status)
}
