package orchestrator

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/edgefleet/edgefleet/internal/errors"
	"github.com/edgefleet/edgefleet/pkg/model"
)

// PackageSpec is the caller-supplied description of a deployable artifact.
type PackageSpec struct {
	Name         string
	Version      string
	Type         model.PackageType
	Source       string
	Metadata     map[string]string
	Dependencies []string
}

// ArtifactOpener resolves a package source to a readable artifact so the
// orchestrator can compute checksum and size at registration time.
type ArtifactOpener interface {
	Open(source string) (io.ReadCloser, error)
}

// localFileOpener treats the source as a filesystem path.
type localFileOpener struct{}

func (localFileOpener) Open(source string) (io.ReadCloser, error) {
	return os.Open(source)
}

// CreatePackage registers an immutable package record. The artifact is read
// once to compute its sha256 checksum and size. Duplicate (name, version)
// pairs are allowed; each registration gets its own package id.
func (s *Service) CreatePackage(spec PackageSpec) (model.DeploymentPackage, error) {
	if spec.Name == "" || spec.Version == "" {
		return model.DeploymentPackage{}, fmt.Errorf("orchestrator: package name and version are required")
	}

	checksum, size, err := s.digestArtifact(spec.Source)
	if err != nil {
		return model.DeploymentPackage{}, err
	}

	pkg := model.DeploymentPackage{
		PackageID:    uuid.New().String(),
		Name:         spec.Name,
		Version:      spec.Version,
		Type:         spec.Type,
		Source:       spec.Source,
		Checksum:     checksum,
		SizeBytes:    size,
		Metadata:     spec.Metadata,
		Dependencies: spec.Dependencies,
		CreatedAt:    s.clock.Now().UnixMilli(),
	}

	s.mu.Lock()
	s.packages[pkg.PackageID] = pkg
	s.mu.Unlock()

	s.logger.Info("package registered",
		"package_id", pkg.PackageID, "name", pkg.Name, "version", pkg.Version,
		"size_bytes", pkg.SizeBytes)
	return pkg, nil
}

func (s *Service) digestArtifact(source string) (string, int64, error) {
	rc, err := s.opener.Open(source)
	if err != nil {
		return "", 0, fmt.Errorf("orchestrator: opening artifact %s: %w", source, err)
	}
	defer rc.Close()

	h := sha256.New()
	size, err := io.Copy(h, rc)
	if err != nil {
		return "", 0, fmt.Errorf("orchestrator: reading artifact %s: %w", source, err)
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}

// GetPackage returns a registered package by id.
func (s *Service) GetPackage(packageID string) (model.DeploymentPackage, error) {
	s.mu.Lock()
	pkg, ok := s.packages[packageID]
	s.mu.Unlock()
	if !ok {
		return model.DeploymentPackage{}, &errors.FleetError{
			Code:      errors.ErrPackageNotFound,
			Message:   fmt.Sprintf("package %s not found", packageID),
			Component: "orchestrator",
			Timestamp: time.Now().UnixMilli(),
		}
	}
	return pkg, nil
}

// ListPackages returns all registered packages, newest first.
func (s *Service) ListPackages() []model.DeploymentPackage {
	s.mu.Lock()
	pkgs := make([]model.DeploymentPackage, 0, len(s.packages))
	for _, p := range s.packages {
		pkgs = append(pkgs, p)
	}
	s.mu.Unlock()

	sort.Slice(pkgs, func(i, j int) bool {
		if pkgs[i].CreatedAt != pkgs[j].CreatedAt {
			return pkgs[i].CreatedAt > pkgs[j].CreatedAt
		}
		return pkgs[i].PackageID < pkgs[j].PackageID
	})
	return pkgs
}
