package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spherical-ai/spherical/libs/vehicle-codifier/internal/catalog"
	"github.com/spherical-ai/spherical/libs/vehicle-codifier/internal/observability"
)

var (
	// ErrAlreadyActive indicates the requested version is already active.
	ErrAlreadyActive = errors.New("catalog version already active")
	// ErrNothingToRollback indicates no previously active version exists.
	ErrNothingToRollback = errors.New("no previous catalog version to roll back to")
)

// Publisher handles catalog version activation and rollback.
type Publisher struct {
	logger *observability.Logger
	store  catalog.Store
}

// PublishResult represents the result of an activation.
type PublishResult struct {
	Version         string    `json:"version"`
	PreviousVersion string    `json:"previous_version,omitempty"`
	Entries         int       `json:"entries"`
	ActivatedAt     time.Time `json:"activated_at"`
}

// RollbackRequest represents a request to reactivate an earlier version.
// An empty TargetVersion selects the most recently active archived version.
type RollbackRequest struct {
	TargetVersion string
	Reason        string
	Operator      string
}

// NewPublisher creates a new Publisher.
func NewPublisher(logger *observability.Logger, store catalog.Store) *Publisher {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Publisher{
		logger: logger.WithOperation("catalog_publish"),
		store:  store,
	}
}

// Activate makes version the active catalog version. Stores broadcast the
// activation to subscribed caches.
func (p *Publisher) Activate(ctx context.Context, version string) (*PublishResult, error) {
	versions, err := p.store.Versions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}

	target, previous, err := findVersion(versions, version)
	if err != nil {
		return nil, err
	}
	if target.Status == catalog.VersionStatusActive {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyActive, version)
	}
	if target.EntryCount == 0 {
		return nil, fmt.Errorf("%w: %s", catalog.ErrEmptyVersion, version)
	}

	if err := p.store.Activate(ctx, version); err != nil {
		return nil, fmt.Errorf("activate %s: %w", version, err)
	}

	result := &PublishResult{
		Version:         version,
		PreviousVersion: previous,
		Entries:         target.EntryCount,
		ActivatedAt:     time.Now().UTC(),
	}

	p.logger.Info().
		Str("catalog_version", version).
		Str("previous_version", previous).
		Int("entries", target.EntryCount).
		Msg("Catalog version activated")

	return result, nil
}

// Rollback reactivates an earlier version.
func (p *Publisher) Rollback(ctx context.Context, req RollbackRequest) (*PublishResult, error) {
	target := req.TargetVersion
	if target == "" {
		versions, err := p.store.Versions(ctx)
		if err != nil {
			return nil, fmt.Errorf("list versions: %w", err)
		}
		target = previousActive(versions)
		if target == "" {
			return nil, ErrNothingToRollback
		}
	}

	p.logger.Warn().
		Str("target_version", target).
		Str("reason", req.Reason).
		Str("operator", req.Operator).
		Msg("Rolling back catalog version")

	return p.Activate(ctx, target)
}

func findVersion(versions []catalog.VersionInfo, version string) (catalog.VersionInfo, string, error) {
	var (
		target catalog.VersionInfo
		found  bool
		active string
	)
	for _, v := range versions {
		if v.Version == version {
			target, found = v, true
		}
		if v.Status == catalog.VersionStatusActive {
			active = v.Version
		}
	}
	if !found {
		return catalog.VersionInfo{}, "", fmt.Errorf("%w: %s", catalog.ErrVersionNotFound, version)
	}
	return target, active, nil
}

// previousActive returns the archived version activated most recently.
func previousActive(versions []catalog.VersionInfo) string {
	var best *catalog.VersionInfo
	for i := range versions {
		v := &versions[i]
		if v.Status != catalog.VersionStatusArchived || v.ActivatedAt == nil {
			continue
		}
		if best == nil || v.ActivatedAt.After(*best.ActivatedAt) ||
			(v.ActivatedAt.Equal(*best.ActivatedAt) && v.Version > best.Version) {
			best = v
		}
	}
	if best == nil {
		return ""
	}
	return best.Version
}
