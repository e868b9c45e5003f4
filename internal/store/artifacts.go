package store

import (
	"context"
	"database/sql"
	"time"
)

// RunArtifact is the persisted structured output of a stage, indexed by
// (run_id, artifact_type). Writing the same type twice replaces the row so a
// resumed run converges on one artifact per type.
type RunArtifact struct {
	RunID        string
	StepName     string
	ArtifactType string
	ArtifactJSON string
	CreatedAt    time.Time
}

// PutArtifact upserts an artifact for the run.
func (s *Store) PutArtifact(ctx context.Context, runID, stepName, artifactType, artifactJSON string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO run_artifacts
		(run_id, step_name, artifact_type, artifact_json, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(run_id, artifact_type) DO UPDATE SET
			step_name = excluded.step_name, artifact_json = excluded.artifact_json,
			created_at = excluded.created_at`,
		runID, stepName, artifactType, artifactJSON, s.clock.Now())
	return err
}

// GetArtifact returns the artifact of the given type, or ErrNotFound.
func (s *Store) GetArtifact(ctx context.Context, runID, artifactType string) (*RunArtifact, error) {
	var a RunArtifact
	err := ReadRetry(ctx, 3, func() error {
		return s.db.QueryRowContext(ctx, `SELECT run_id, step_name, artifact_type, artifact_json, created_at
			FROM run_artifacts WHERE run_id = ? AND artifact_type = ?`, runID, artifactType).
			Scan(&a.RunID, &a.StepName, &a.ArtifactType, &a.ArtifactJSON, &a.CreatedAt)
	})
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.CreatedAt = a.CreatedAt.UTC()
	return &a, nil
}

// ListArtifacts returns every artifact of the run in creation order.
func (s *Store) ListArtifacts(ctx context.Context, runID string) ([]*RunArtifact, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT run_id, step_name, artifact_type, artifact_json, created_at
		FROM run_artifacts WHERE run_id = ? ORDER BY created_at`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var artifacts []*RunArtifact
	for rows.Next() {
		var a RunArtifact
		if err := rows.Scan(&a.RunID, &a.StepName, &a.ArtifactType, &a.ArtifactJSON, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.CreatedAt = a.CreatedAt.UTC()
		artifacts = append(artifacts, &a)
	}
	return artifacts, rows.Err()
}
