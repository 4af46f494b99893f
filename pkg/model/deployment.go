package model

// PackageType classifies a deployable artifact.
type PackageType string

const (
	PackageModel    PackageType = "model"
	PackageSoftware PackageType = "software"
	PackageConfig   PackageType = "config"
	PackageFirmware PackageType = "firmware"
)

// DeploymentPackage is an immutable artifact record created once via
// registration and never mutated.
type DeploymentPackage struct {
	PackageID    string            `json:"package_id"`
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	Type         PackageType       `json:"type"`
	Source       string            `json:"source"`
	Checksum     string            `json:"checksum"`
	SizeBytes    int64             `json:"size_bytes"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Dependencies []string          `json:"dependencies,omitempty"`
	CreatedAt    int64             `json:"created_at"`
}

// JobStatus is the deployment job state. Transitions follow the fixed path
// pending -> downloading -> verifying -> {completed|failed} [-> rolled_back];
// terminal states are immutable except for the explicit rollback branch.
type JobStatus string

const (
	JobPending     JobStatus = "pending"
	JobDownloading JobStatus = "downloading"
	JobVerifying   JobStatus = "verifying"
	JobCompleted   JobStatus = "completed"
	JobFailed      JobStatus = "failed"
	JobRolledBack  JobStatus = "rolled_back"
)

// Terminal reports whether the status admits no further forward transition.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobRolledBack
}

// DeploymentJob is the per-device mutable deployment state. It is mutated
// only by the orchestrator's state-machine driver.
type DeploymentJob struct {
	JobID             string    `json:"job_id"`
	DeviceID          string    `json:"device_id"`
	PackageID         string    `json:"package_id"`
	Status            JobStatus `json:"status"`
	ProgressPercent   float64   `json:"progress_percent"`
	ErrorMessage      string    `json:"error_message,omitempty"`
	StartedAt         int64     `json:"started_at"`
	CompletedAt       int64     `json:"completed_at,omitempty"`
	Verified          bool      `json:"verified"`
	RollbackAvailable bool      `json:"rollback_available"`
}

// RolloutStrategy selects how a package is deployed across a device group.
type RolloutStrategy string

const (
	RolloutParallel   RolloutStrategy = "parallel"
	RolloutSequential RolloutStrategy = "sequential"
	RolloutCanary     RolloutStrategy = "canary"
)

// GroupDeploymentResult is the per-device outcome of a group rollout.
// Exactly one of JobID and Error is set.
type GroupDeploymentResult struct {
	DeviceID string    `json:"device_id"`
	JobID    string    `json:"job_id,omitempty"`
	Error    string    `json:"error,omitempty"`
	Status   JobStatus `json:"status"`
}
