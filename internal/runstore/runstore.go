// Package runstore persists Projects and Runs, including each Run's
// ordered step sequence and its append-only edit log. One exported Store
// per concern, explicit ?-placeholder SQL, no ORM.
package runstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/proofworks/verihelm/internal/canonical"
	"github.com/proofworks/verihelm/internal/model"
)

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// CreateProject inserts a new Project row. Projects are created once and
// never mutated.
func (s *Store) CreateProject(ctx context.Context, name, publicKeyHex string) (model.Project, error) {
	p := model.Project{
		ID:        uuid.NewString(),
		Name:      name,
		PublicKey: publicKeyHex,
		CreatedAt: s.now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, public_key, created_at) VALUES (?, ?, ?, ?)`,
		p.ID, p.Name, p.PublicKey, p.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return model.Project{}, fmt.Errorf("runstore: insert project: %w", err)
	}
	return p, nil
}

// GetProject loads a Project by id.
func (s *Store) GetProject(ctx context.Context, id string) (model.Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, public_key, created_at FROM projects WHERE id = ?`, id)
	var p model.Project
	var ts string
	if err := row.Scan(&p.ID, &p.Name, &p.PublicKey, &ts); err != nil {
		if err == sql.ErrNoRows {
			return model.Project{}, fmt.Errorf("runstore: project %s not found", id)
		}
		return model.Project{}, fmt.Errorf("runstore: get project: %w", err)
	}
	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, ts)
	return p, nil
}

// DeleteProject removes a Project, refusing if any Run still references
// it.
func (s *Store) DeleteProject(ctx context.Context, id string) error {
	var count int
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs WHERE project_id = ?`, id)
	if err := row.Scan(&count); err != nil {
		return fmt.Errorf("runstore: count dependent runs: %w", err)
	}
	if count > 0 {
		return fmt.Errorf("runstore: project %s has %d dependent run(s)", id, count)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id); err != nil {
		return fmt.Errorf("runstore: delete project: %w", err)
	}
	return nil
}

// CreateRun inserts a new Draft Run and its ordered steps in one
// transaction, rejecting any step whose reference index is not a strict
// backward reference. run.ID, run.State, and run.CreatedAt are populated
// by this call; the caller supplies everything else, including the
// already-bound PolicyVersion — runs bind the policy version current at
// creation and never track later revisions.
func (s *Store) CreateRun(ctx context.Context, run model.Run) (model.Run, error) {
	if err := validateOrdering(run.Steps); err != nil {
		return model.Run{}, err
	}

	run.ID = uuid.NewString()
	run.State = model.RunDraft
	run.CreatedAt = s.now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Run{}, fmt.Errorf("runstore: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := insertRun(ctx, tx, run); err != nil {
		return model.Run{}, err
	}
	if err := replaceSteps(ctx, tx, run.ID, run.Steps); err != nil {
		return model.Run{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Run{}, fmt.Errorf("runstore: commit: %w", err)
	}
	return run, nil
}

func insertRun(ctx context.Context, tx *sql.Tx, run model.Run) error {
	samplerJSON, err := json.Marshal(run.Sampler)
	if err != nil {
		return fmt.Errorf("runstore: marshal sampler: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, project_id, name, seed, proof_mode, sampler_json, policy_version, state, rerun_of, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.ProjectID, run.Name, run.Seed, string(run.ProofMode), string(samplerJSON),
		run.PolicyVersion, string(run.State), nullable(run.RerunOf), run.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("runstore: insert run: %w", err)
	}
	return nil
}

func replaceSteps(ctx context.Context, tx *sql.Tx, runID string, steps []model.StepTemplate) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM run_steps WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("runstore: clear steps: %w", err)
	}
	for _, st := range steps {
		cfgJSON, err := json.Marshal(st.Config)
		if err != nil {
			return fmt.Errorf("runstore: marshal step config: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO run_steps (run_id, order_index, config_json) VALUES (?, ?, ?)`,
			runID, st.OrderIndex, string(cfgJSON)); err != nil {
			return fmt.Errorf("runstore: insert step: %w", err)
		}
	}
	return nil
}

// GetRun loads a Run and its ordered steps.
func (s *Store) GetRun(ctx context.Context, id string) (model.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, name, seed, proof_mode, sampler_json, policy_version, state, rerun_of, created_at
		FROM runs WHERE id = ?`, id)

	var run model.Run
	var proofMode, state, samplerJSON, ts string
	var rerunOf sql.NullString
	if err := row.Scan(&run.ID, &run.ProjectID, &run.Name, &run.Seed, &proofMode, &samplerJSON,
		&run.PolicyVersion, &state, &rerunOf, &ts); err != nil {
		if err == sql.ErrNoRows {
			return model.Run{}, fmt.Errorf("runstore: run %s not found", id)
		}
		return model.Run{}, fmt.Errorf("runstore: get run: %w", err)
	}
	run.ProofMode = model.ProofMode(proofMode)
	run.State = model.RunState(state)
	run.RerunOf = rerunOf.String
	run.CreatedAt, _ = time.Parse(time.RFC3339Nano, ts)
	if samplerJSON != "" && samplerJSON != "null" {
		_ = json.Unmarshal([]byte(samplerJSON), &run.Sampler)
	}

	steps, err := s.ListSteps(ctx, id)
	if err != nil {
		return model.Run{}, err
	}
	run.Steps = steps
	return run, nil
}

// ListSteps returns a run's StepTemplates ordered by order_index.
func (s *Store) ListSteps(ctx context.Context, runID string) ([]model.StepTemplate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT order_index, config_json FROM run_steps WHERE run_id = ? ORDER BY order_index ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("runstore: query steps: %w", err)
	}
	defer rows.Close()

	var out []model.StepTemplate
	for rows.Next() {
		var st model.StepTemplate
		var cfgJSON string
		if err := rows.Scan(&st.OrderIndex, &cfgJSON); err != nil {
			return nil, fmt.Errorf("runstore: scan step: %w", err)
		}
		if err := json.Unmarshal([]byte(cfgJSON), &st.Config); err != nil {
			return nil, fmt.Errorf("runstore: unmarshal step config: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// SetState transitions a Run's state (Draft -> Sealed -> Executing ->
// Succeeded|Failed).
func (s *Store) SetState(ctx context.Context, runID string, state model.RunState) error {
	res, err := s.db.ExecContext(ctx, `UPDATE runs SET state = ? WHERE id = ?`, string(state), runID)
	if err != nil {
		return fmt.Errorf("runstore: set state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("runstore: set state rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("runstore: run %s not found", runID)
	}
	return nil
}

// ReplaceSteps overwrites a Draft Run's step sequence and appends one
// edit log entry carrying the actor, timestamp, and a canonical diff of
// the transformation. It refuses to mutate a Run that is not Draft.
func (s *Store) ReplaceSteps(ctx context.Context, runID, actor string, newSteps []model.StepTemplate) error {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.State != model.RunDraft {
		return fmt.Errorf("runstore: run %s is %s, not draft; steps are frozen", runID, run.State)
	}
	if err := validateOrdering(newSteps); err != nil {
		return err
	}

	diff := map[string]any{
		"before": run.Steps,
		"after":  newSteps,
	}
	diffCanonical, err := canonical.JSON(diff)
	if err != nil {
		return fmt.Errorf("runstore: canonicalize diff: %w", err)
	}
	diffHash := canonical.Sha256Hex(diffCanonical)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("runstore: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := replaceSteps(ctx, tx, runID, newSteps); err != nil {
		return err
	}

	ts := s.now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO edit_log (run_id, actor, timestamp, diff_sha256, diff_json)
		VALUES (?, ?, ?, ?, ?)`,
		runID, actor, ts.Format(time.RFC3339Nano), diffHash, string(diffCanonical))
	if err != nil {
		return fmt.Errorf("runstore: insert edit log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("runstore: commit: %w", err)
	}
	return nil
}

// validateOrdering runs at the boundary where a sequence is actually
// written: every source_step/use_output_from index must be strictly less
// than its own order_index.
func validateOrdering(steps []model.StepTemplate) error {
	sorted := append([]model.StepTemplate(nil), steps...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].OrderIndex < sorted[j].OrderIndex })

	check := func(idx *int, orderIndex int, field string) error {
		if idx == nil {
			return nil
		}
		if *idx < 0 || *idx >= orderIndex {
			return fmt.Errorf("runstore: step %d: %s %d is not a valid backward reference", orderIndex, field, *idx)
		}
		return nil
	}
	for _, st := range sorted {
		if st.Config.Kind == model.StepSummarize {
			if st.Config.SourceStep == nil {
				return fmt.Errorf("runstore: step %d: summarize requires source_step", st.OrderIndex)
			}
			if err := check(st.Config.SourceStep, st.OrderIndex, "source_step"); err != nil {
				return err
			}
		}
		if st.Config.Kind == model.StepPrompt {
			if err := check(st.Config.UseOutputFrom, st.OrderIndex, "use_output_from"); err != nil {
				return err
			}
		}
	}
	return nil
}

// EditLog returns a run's append-only edit history, oldest first.
func (s *Store) EditLog(ctx context.Context, runID string) ([]model.EditLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, actor, timestamp, diff_sha256, diff_json
		FROM edit_log WHERE run_id = ? ORDER BY timestamp ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("runstore: query edit log: %w", err)
	}
	defer rows.Close()

	var out []model.EditLogEntry
	for rows.Next() {
		var e model.EditLogEntry
		var ts, diffJSON string
		if err := rows.Scan(&e.RunID, &e.Actor, &ts, &e.DiffSHA256, &diffJSON); err != nil {
			return nil, fmt.Errorf("runstore: scan edit log: %w", err)
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		var diff any
		_ = json.Unmarshal([]byte(diffJSON), &diff)
		e.Diff = diff
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullable(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
