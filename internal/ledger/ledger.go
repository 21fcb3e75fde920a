// Package ledger persists signed, hash-chained Checkpoints. Each entry's
// curr_chain is sha256(prev_chain || canonical body) and is signed with
// the project's Ed25519 key, so every checkpoint is independently
// verifiable and the sequence is tamper-evident end to end.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/proofworks/verihelm/internal/attachments"
	"github.com/proofworks/verihelm/internal/canonical"
	"github.com/proofworks/verihelm/internal/keyvault"
	"github.com/proofworks/verihelm/internal/model"
)

// Signer is the narrow capability the Ledger needs from the Key Vault.
type Signer interface {
	Sign(projectID string, data []byte) (signatureHex string, err error)
}

type Ledger struct {
	db    *sql.DB
	vault Signer
	blobs attachments.Store
	now   func() time.Time
}

func New(db *sql.DB, vault Signer, blobs attachments.Store) *Ledger {
	return &Ledger{db: db, vault: vault, blobs: blobs, now: time.Now}
}

// PersistParams are the inputs to one PersistCheckpoint call.
// FullOutputBytes is the step's canonical output payload: OutputsSHA256 and
// the attachment key are both the SHA-256 of these exact bytes, so a
// checkpoint's outputs_sha256 always names a retrievable attachment.
type PersistParams struct {
	RunID            string
	ProjectID        string
	Kind             model.CheckpointKind
	OrderIndex       int
	InputsValue      any    // canonicalized to produce InputsSHA256; nil skips it
	FullOutputBytes  []byte // output payload; hashed and written to the attachment store; nil for incidents
	PromptPayload    string
	UsageTokens      uint64
	PromptTokens     uint64
	CompletionTokens uint64
	SemanticDigest   string
	Incident         *model.Incident
	PolicyRevisionID string
}

const previewLen = 1000

// PersistCheckpoint computes prev_chain from the run's chain tail,
// writes the full output to the Attachment Store, canonicalizes the
// checkpoint body, chains and signs it, and inserts the checkpoint plus
// its payload row in one transaction.
func (l *Ledger) PersistCheckpoint(ctx context.Context, p PersistParams) (*model.Checkpoint, error) {
	parentID, prevChain, err := l.tail(ctx, p.RunID)
	if err != nil {
		return nil, fmt.Errorf("ledger: chain tail: %w", err)
	}

	var inputsSHA, outputsSHA, fullOutputHash, preview string
	if p.InputsValue != nil {
		inputsSHA, err = canonical.HashJSON(p.InputsValue)
		if err != nil {
			return nil, fmt.Errorf("ledger: hash inputs: %w", err)
		}
	}
	if p.FullOutputBytes != nil {
		outputsSHA = canonical.Sha256Hex(p.FullOutputBytes)
		if l.blobs != nil {
			fullOutputHash, err = l.blobs.Save(ctx, p.FullOutputBytes)
			if err != nil {
				return nil, fmt.Errorf("ledger: save attachment: %w", err)
			}
		}
		preview = string(p.FullOutputBytes)
		if len(preview) > previewLen {
			preview = preview[:previewLen]
		}
	}

	id := uuid.NewString()
	ts := l.now().UTC()

	body := model.ChainBody{
		RunID:            p.RunID,
		Kind:             p.Kind,
		OrderIndex:       p.OrderIndex,
		Timestamp:        ts.Format(time.RFC3339Nano),
		InputsSHA256:     inputsSHA,
		OutputsSHA256:    outputsSHA,
		UsageTokens:      p.UsageTokens,
		PromptTokens:     p.PromptTokens,
		CompletionTokens: p.CompletionTokens,
		SemanticDigest:   p.SemanticDigest,
		Incident:         p.Incident,
		PolicyRevisionID: p.PolicyRevisionID,
	}
	bodyCanonical, err := canonical.JSON(body)
	if err != nil {
		return nil, fmt.Errorf("ledger: canonicalize body: %w", err)
	}

	currChain := canonical.Sha256Hex(append([]byte(prevChain), bodyCanonical...))

	signature, err := l.vault.Sign(p.ProjectID, []byte(currChain))
	if err != nil {
		return nil, fmt.Errorf("ledger: sign: %w", err)
	}

	cp := &model.Checkpoint{
		ID:               id,
		RunID:            p.RunID,
		ParentCheckpoint: parentID,
		Kind:             p.Kind,
		OrderIndex:       p.OrderIndex,
		Timestamp:        ts,
		InputsSHA256:     inputsSHA,
		OutputsSHA256:    outputsSHA,
		PrevChain:        prevChain,
		CurrChain:        currChain,
		Signature:        signature,
		UsageTokens:      p.UsageTokens,
		PromptTokens:     p.PromptTokens,
		CompletionTokens: p.CompletionTokens,
		SemanticDigest:   p.SemanticDigest,
		Incident:         p.Incident,
		PolicyRevisionID: p.PolicyRevisionID,
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger: begin tx: %w", err)
	}
	defer tx.Rollback()

	var incidentJSON sql.NullString
	if p.Incident != nil {
		b, err := json.Marshal(p.Incident)
		if err != nil {
			return nil, fmt.Errorf("ledger: marshal incident: %w", err)
		}
		incidentJSON = sql.NullString{String: string(b), Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO checkpoints (
			id, run_id, parent_checkpoint, kind, order_index, timestamp,
			inputs_sha256, outputs_sha256, prev_chain, curr_chain, signature,
			usage_tokens, prompt_tokens, completion_tokens, semantic_digest,
			incident_json, policy_revision_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.RunID, nullIfEmpty(cp.ParentCheckpoint), string(cp.Kind), cp.OrderIndex, cp.Timestamp.Format(time.RFC3339Nano),
		nullIfEmpty(cp.InputsSHA256), nullIfEmpty(cp.OutputsSHA256), cp.PrevChain, cp.CurrChain, cp.Signature,
		cp.UsageTokens, cp.PromptTokens, cp.CompletionTokens, nullIfEmpty(cp.SemanticDigest),
		incidentJSON, cp.PolicyRevisionID,
	)
	if err != nil {
		return nil, fmt.Errorf("ledger: insert checkpoint: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO checkpoint_payloads (checkpoint_id, prompt_payload, output_preview, full_output_hash)
		VALUES (?, ?, ?, ?)`,
		cp.ID, nullIfEmpty(p.PromptPayload), nullIfEmpty(preview), nullIfEmpty(fullOutputHash),
	)
	if err != nil {
		return nil, fmt.Errorf("ledger: insert payload: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("ledger: commit: %w", err)
	}

	return cp, nil
}

// ChainTail returns the latest curr_chain for a run, or "" if the run has
// no checkpoints yet.
func (l *Ledger) ChainTail(ctx context.Context, runID string) (string, error) {
	_, chain, err := l.tail(ctx, runID)
	return chain, err
}

// tail returns the id and curr_chain of the run's latest checkpoint; the
// next checkpoint records the id as its parent and the chain as its
// prev_chain.
func (l *Ledger) tail(ctx context.Context, runID string) (id, chain string, err error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT id, curr_chain FROM checkpoints WHERE run_id = ?
		ORDER BY rowid DESC LIMIT 1`, runID)
	switch err := row.Scan(&id, &chain); {
	case err == sql.ErrNoRows:
		return "", "", nil
	case err != nil:
		return "", "", fmt.Errorf("ledger: query tail: %w", err)
	default:
		return id, chain, nil
	}
}

// VerifyResult reports the outcome of VerifyChain.
type VerifyResult struct {
	Valid        bool
	FirstOffense string
	Count        int
}

// VerifyChain recomputes the chain and signatures sequentially, reporting
// the first offense encountered.
func (l *Ledger) VerifyChain(ctx context.Context, runID, projectPublicKeyHex string) (VerifyResult, error) {
	checkpoints, err := l.ListCheckpoints(ctx, runID)
	if err != nil {
		return VerifyResult{}, err
	}

	prevChain := ""
	for i, cp := range checkpoints {
		body := cp.Body()
		bodyCanonical, err := canonical.JSON(body)
		if err != nil {
			return VerifyResult{Valid: false, FirstOffense: fmt.Sprintf("checkpoint %d: canonicalize: %v", i, err), Count: len(checkpoints)}, nil
		}
		expected := canonical.Sha256Hex(append([]byte(prevChain), bodyCanonical...))
		if expected != cp.CurrChain {
			return VerifyResult{Valid: false, FirstOffense: fmt.Sprintf("checkpoint %d: chain mismatch", i), Count: len(checkpoints)}, nil
		}
		if cp.PrevChain != prevChain {
			return VerifyResult{Valid: false, FirstOffense: fmt.Sprintf("checkpoint %d: prev_chain mismatch", i), Count: len(checkpoints)}, nil
		}
		if !keyvault.Verify(projectPublicKeyHex, cp.CurrChain, cp.Signature) {
			return VerifyResult{Valid: false, FirstOffense: fmt.Sprintf("checkpoint %d: signature invalid", i), Count: len(checkpoints)}, nil
		}
		prevChain = cp.CurrChain
	}
	return VerifyResult{Valid: true, Count: len(checkpoints)}, nil
}

// ListCheckpoints returns all checkpoints for a run in chain (insertion)
// order. order_index alone is not a total order: a step checkpoint and the
// budget incident it triggers share an index, so the walk follows rowid.
func (l *Ledger) ListCheckpoints(ctx context.Context, runID string) ([]model.Checkpoint, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, run_id, parent_checkpoint, kind, order_index, timestamp,
			inputs_sha256, outputs_sha256, prev_chain, curr_chain, signature,
			usage_tokens, prompt_tokens, completion_tokens, semantic_digest,
			incident_json, policy_revision_id
		FROM checkpoints WHERE run_id = ? ORDER BY rowid ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("ledger: query checkpoints: %w", err)
	}
	defer rows.Close()

	var out []model.Checkpoint
	for rows.Next() {
		var cp model.Checkpoint
		var parent, inputsSHA, outputsSHA, semDigest, incidentJSON sql.NullString
		var kind string
		var ts string
		if err := rows.Scan(&cp.ID, &cp.RunID, &parent, &kind, &cp.OrderIndex, &ts,
			&inputsSHA, &outputsSHA, &cp.PrevChain, &cp.CurrChain, &cp.Signature,
			&cp.UsageTokens, &cp.PromptTokens, &cp.CompletionTokens, &semDigest,
			&incidentJSON, &cp.PolicyRevisionID); err != nil {
			return nil, fmt.Errorf("ledger: scan checkpoint: %w", err)
		}
		cp.ParentCheckpoint = parent.String
		cp.Kind = model.CheckpointKind(kind)
		cp.InputsSHA256 = inputsSHA.String
		cp.OutputsSHA256 = outputsSHA.String
		cp.SemanticDigest = semDigest.String
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			cp.Timestamp = parsed
		}
		if incidentJSON.Valid && incidentJSON.String != "" {
			var inc model.Incident
			if err := json.Unmarshal([]byte(incidentJSON.String), &inc); err == nil {
				cp.Incident = &inc
			}
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// GetPayload returns the non-chained preview/full-output-hash sibling row
// for a checkpoint, used by replay to recover an original step's full
// output text from the Attachment Store.
func (l *Ledger) GetPayload(ctx context.Context, checkpointID string) (model.CheckpointPayload, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT checkpoint_id, prompt_payload, output_preview, full_output_hash
		FROM checkpoint_payloads WHERE checkpoint_id = ?`, checkpointID)

	var p model.CheckpointPayload
	var prompt, preview, hash sql.NullString
	if err := row.Scan(&p.CheckpointID, &prompt, &preview, &hash); err != nil {
		return model.CheckpointPayload{}, fmt.Errorf("ledger: get payload: %w", err)
	}
	p.PromptPayload = prompt.String
	p.OutputPreview = preview.String
	p.FullOutputHash = hash.String
	return p, nil
}

// IncidentsByKind filters a run's incident checkpoints by kind, for UI
// and CLI consumption.
func (l *Ledger) IncidentsByKind(ctx context.Context, runID string, kind model.IncidentKind) ([]model.Checkpoint, error) {
	all, err := l.ListCheckpoints(ctx, runID)
	if err != nil {
		return nil, err
	}
	var out []model.Checkpoint
	for _, cp := range all {
		if cp.Incident != nil && cp.Incident.Kind == kind {
			out = append(out, cp)
		}
	}
	return out, nil
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
