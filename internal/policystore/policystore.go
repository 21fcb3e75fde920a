// Package policystore maintains immutable PolicyRevisions per project
// and each project's current-version pointer. Updates never mutate: each
// change appends a revision and advances the pointer, so a Run bound to
// a version keeps meaning the same policy forever.
package policystore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/proofworks/verihelm/internal/model"
)

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Upsert appends a new PolicyRevision for project and advances its
// current-version pointer. A policy update never mutates an existing
// revision.
func (s *Store) Upsert(ctx context.Context, projectID string, policy model.Policy, actor, note string) (model.PolicyRevision, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.PolicyRevision{}, fmt.Errorf("policystore: begin tx: %w", err)
	}
	defer tx.Rollback()

	var current int64
	row := tx.QueryRowContext(ctx, `SELECT current_version FROM policies WHERE project_id = ?`, projectID)
	switch err := row.Scan(&current); {
	case err == sql.ErrNoRows:
		current = 0
	case err != nil:
		return model.PolicyRevision{}, fmt.Errorf("policystore: read pointer: %w", err)
	}

	next := current + 1
	rev := model.PolicyRevision{
		ProjectID: projectID,
		Version:   next,
		Policy:    policy,
		CreatedAt: s.now().UTC(),
		Actor:     actor,
		Note:      note,
	}

	body, err := json.Marshal(rev.Policy)
	if err != nil {
		return model.PolicyRevision{}, fmt.Errorf("policystore: marshal policy: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO policy_revisions (project_id, version, policy_json, created_at, actor, note)
		VALUES (?, ?, ?, ?, ?, ?)`,
		projectID, next, string(body), rev.CreatedAt.Format(time.RFC3339Nano), nullable(actor), nullable(note))
	if err != nil {
		return model.PolicyRevision{}, fmt.Errorf("policystore: insert revision: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO policies (project_id, current_version) VALUES (?, ?)
		ON CONFLICT(project_id) DO UPDATE SET current_version = excluded.current_version`,
		projectID, next)
	if err != nil {
		return model.PolicyRevision{}, fmt.Errorf("policystore: update pointer: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return model.PolicyRevision{}, fmt.Errorf("policystore: commit: %w", err)
	}
	return rev, nil
}

// MigrateSingleton installs revision 1 from a pre-existing singleton
// policy if the project has no revisions yet. Idempotent.
func (s *Store) MigrateSingleton(ctx context.Context, projectID string, singleton model.Policy) (model.PolicyRevision, bool, error) {
	current, err := s.CurrentVersion(ctx, projectID)
	if err != nil {
		return model.PolicyRevision{}, false, err
	}
	if current > 0 {
		rev, err := s.Get(ctx, projectID, current)
		return rev, false, err
	}
	rev, err := s.Upsert(ctx, projectID, singleton, "", "migrated from singleton policy")
	return rev, true, err
}

// CurrentVersion returns the project's current pointer, or 0 if none.
func (s *Store) CurrentVersion(ctx context.Context, projectID string) (int64, error) {
	row := s.db.QueryRowContext(ctx, `SELECT current_version FROM policies WHERE project_id = ?`, projectID)
	var v int64
	switch err := row.Scan(&v); {
	case err == sql.ErrNoRows:
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("policystore: current version: %w", err)
	default:
		return v, nil
	}
}

// Get returns a specific (project, version) revision.
func (s *Store) Get(ctx context.Context, projectID string, version int64) (model.PolicyRevision, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT version, policy_json, created_at, actor, note
		FROM policy_revisions WHERE project_id = ? AND version = ?`, projectID, version)
	return scanRevision(row, projectID)
}

// All returns every revision for a project, descending by version.
func (s *Store) All(ctx context.Context, projectID string) ([]model.PolicyRevision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT version, policy_json, created_at, actor, note
		FROM policy_revisions WHERE project_id = ? ORDER BY version DESC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("policystore: query revisions: %w", err)
	}
	defer rows.Close()

	var out []model.PolicyRevision
	for rows.Next() {
		rev, err := scanRevisionRows(rows, projectID)
		if err != nil {
			return nil, err
		}
		out = append(out, rev)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRevision(row *sql.Row, projectID string) (model.PolicyRevision, error) {
	return scanRevisionGeneric(row, projectID)
}

func scanRevisionRows(rows *sql.Rows, projectID string) (model.PolicyRevision, error) {
	return scanRevisionGeneric(rows, projectID)
}

func scanRevisionGeneric(s scanner, projectID string) (model.PolicyRevision, error) {
	var version int64
	var policyJSON, createdAt string
	var actor, note sql.NullString
	if err := s.Scan(&version, &policyJSON, &createdAt, &actor, &note); err != nil {
		if err == sql.ErrNoRows {
			return model.PolicyRevision{}, fmt.Errorf("policystore: revision not found")
		}
		return model.PolicyRevision{}, fmt.Errorf("policystore: scan: %w", err)
	}
	var policy model.Policy
	if err := json.Unmarshal([]byte(policyJSON), &policy); err != nil {
		return model.PolicyRevision{}, fmt.Errorf("policystore: unmarshal policy: %w", err)
	}
	ts, _ := time.Parse(time.RFC3339Nano, createdAt)
	return model.PolicyRevision{
		ProjectID: projectID,
		Version:   version,
		Policy:    policy,
		CreatedAt: ts,
		Actor:     actor.String,
		Note:      note.String,
	}, nil
}

func nullable(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
