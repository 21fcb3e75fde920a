// Package verifier implements the four-stage offline check a third party
// runs against an exported Receipt bundle with no access to the engine's
// database: file integrity, hash chain, signatures, and content
// integrity. Each stage reports pass/fail independently; the bundle
// verifies overall only when all four pass.
package verifier

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/proofworks/verihelm/internal/canonical"
	"github.com/proofworks/verihelm/internal/keyvault"
	"github.com/proofworks/verihelm/internal/model"
)

// BlobLoader is the only attachment capability verification needs: fetch
// the bytes filed under a claimed hash. The engine's content-addressed
// store satisfies it, as does a bundle loader that keys entries by their
// filename — crucially WITHOUT rehashing, so a file whose name no longer
// matches its content surfaces in the content-integrity stage.
type BlobLoader interface {
	Load(ctx context.Context, hash string) ([]byte, error)
}

// StageResult is the pass/fail outcome of one verification stage.
type StageResult struct {
	Name   string `json:"name"`
	Valid  bool   `json:"valid"`
	Detail string `json:"detail,omitempty"`
}

// Report is the rendered outcome of verifying one Receipt.
type Report struct {
	RunID   string        `json:"run_id"`
	Stages  []StageResult `json:"stages"`
	Overall bool          `json:"overall"`
}

// Verify runs all four stages against r, loading attachment bytes from
// blobs (which may be backed by an extracted bundle directory or the
// engine's own store). A nil blobs means the bundle is the single-JSON
// export form, which omits attachment files by definition; the
// attachment checks are skipped rather than failed. Verify never errors
// on a verification failure — a failing stage is reported, not returned
// as an error. Every outcome, including an unreadable attachment, is
// reported through the stages, so the returned error is always nil;
// reading and parsing the bundle file is the caller's job.
func Verify(ctx context.Context, r model.Receipt, projectPublicKeyHex string, blobs BlobLoader) (Report, error) {
	report := Report{RunID: r.Body.RunID, Overall: true}

	fi := verifyFileIntegrity(ctx, r, blobs)
	report.Stages = append(report.Stages, fi)
	report.Overall = report.Overall && fi.Valid

	hc := verifyHashChain(r)
	report.Stages = append(report.Stages, hc)
	report.Overall = report.Overall && hc.Valid

	sig := verifySignatures(r, projectPublicKeyHex)
	report.Stages = append(report.Stages, sig)
	report.Overall = report.Overall && sig.Valid

	ci := verifyContentIntegrity(ctx, r, blobs)
	report.Stages = append(report.Stages, ci)
	report.Overall = report.Overall && ci.Valid

	return report, nil
}

// Render writes report to w as either "text" or "json", the shared
// rendering used by both the reference cmd/carverify CLI and any other
// host-process frontend that wants the same output without reimplementing
// it. label identifies the bundle being reported on (a file path or
// other human-readable handle); it is cosmetic only.
func Render(w io.Writer, label string, report Report, format string) error {
	if format == "json" {
		out := map[string]any{
			"bundle":  label,
			"run_id":  report.RunID,
			"overall": report.Overall,
			"stages":  report.Stages,
		}
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return fmt.Errorf("verifier: render json: %w", err)
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	}

	status := "PASS"
	if !report.Overall {
		status = "FAIL"
	}
	if _, err := fmt.Fprintf(w, "%s %s\n", status, label); err != nil {
		return err
	}
	for _, s := range report.Stages {
		stageStatus := "ok"
		if !s.Valid {
			stageStatus = "FAIL"
		}
		if s.Detail != "" {
			if _, err := fmt.Fprintf(w, "  %-18s %s: %s\n", s.Name, stageStatus, s.Detail); err != nil {
				return err
			}
		} else {
			if _, err := fmt.Fprintf(w, "  %-18s %s\n", s.Name, stageStatus); err != nil {
				return err
			}
		}
	}
	return nil
}

// verifyFileIntegrity is stage 1: the bundle has already been
// parsed into a model.Receipt by the caller (the unzip-or-parse step
// itself), so this stage validates the shape that parsing produced —
// the minimal schema a CAR must satisfy before any cryptographic check
// is meaningful — and that every attachment the body indexes is at
// least readable from blobs.
func verifyFileIntegrity(ctx context.Context, r model.Receipt, blobs BlobLoader) StageResult {
	if r.ID == "" {
		return StageResult{Name: "file_integrity", Valid: false, Detail: "missing receipt id"}
	}
	if r.Body.RunID == "" {
		return StageResult{Name: "file_integrity", Valid: false, Detail: "missing run_id"}
	}
	if r.Signature == "" {
		return StageResult{Name: "file_integrity", Valid: false, Detail: "missing signature"}
	}
	for _, a := range r.Body.Attachments {
		if a.SHA256 == "" {
			return StageResult{Name: "file_integrity", Valid: false, Detail: "attachment index entry missing sha256"}
		}
		if blobs == nil {
			continue // single-JSON form: attachments referenced by hash only
		}
		if _, err := blobs.Load(ctx, a.SHA256); err != nil {
			return StageResult{Name: "file_integrity", Valid: false, Detail: fmt.Sprintf("attachment %s unreadable: %v", a.SHA256, err)}
		}
	}
	return StageResult{Name: "file_integrity", Valid: true}
}

// verifyHashChain recomputes curr_chain for every CheckpointRecord in
// order and confirms prev_chain continuity, mirroring ledger.VerifyChain
// but operating on the receipt's projection instead of live DB rows.
func verifyHashChain(r model.Receipt) StageResult {
	prevChain := ""
	for i, cp := range r.Body.Checkpoints {
		body := model.ChainBody{
			RunID:            r.Body.RunID,
			Kind:             cp.Kind,
			OrderIndex:       cp.OrderIndex,
			Timestamp:        cp.Timestamp,
			InputsSHA256:     cp.InputsSHA256,
			OutputsSHA256:    cp.OutputsSHA256,
			UsageTokens:      cp.UsageTokens,
			PromptTokens:     cp.PromptTokens,
			CompletionTokens: cp.CompletionTokens,
			SemanticDigest:   cp.SemanticDigest,
			Incident:         cp.Incident,
			PolicyRevisionID: cp.PolicyRevisionID,
		}
		canonicalBytes, err := canonical.JSON(body)
		if err != nil {
			return StageResult{Name: "hash_chain", Valid: false, Detail: fmt.Sprintf("checkpoint %d: canonicalize: %v", i, err)}
		}
		expected := canonical.Sha256Hex(append([]byte(prevChain), canonicalBytes...))
		if expected != cp.CurrChain {
			return StageResult{Name: "hash_chain", Valid: false, Detail: fmt.Sprintf("checkpoint %d: chain mismatch", i)}
		}
		if cp.PrevChain != prevChain {
			return StageResult{Name: "hash_chain", Valid: false, Detail: fmt.Sprintf("checkpoint %d: prev_chain mismatch", i)}
		}
		prevChain = cp.CurrChain
	}
	return StageResult{Name: "hash_chain", Valid: true}
}

// verifySignatures checks every checkpoint's per-link signature plus the
// receipt's own detached signature, all against the same project key.
func verifySignatures(r model.Receipt, projectPublicKeyHex string) StageResult {
	for i, cp := range r.Body.Checkpoints {
		if !keyvault.Verify(projectPublicKeyHex, cp.CurrChain, cp.Signature) {
			return StageResult{Name: "signatures", Valid: false, Detail: fmt.Sprintf("checkpoint %d: signature invalid", i)}
		}
	}
	canonicalBytes, err := canonical.JSON(r.Body)
	if err != nil {
		return StageResult{Name: "signatures", Valid: false, Detail: fmt.Sprintf("canonicalize body: %v", err)}
	}
	expectedID := canonical.Sha256Hex(canonicalBytes)
	if expectedID != r.ID {
		return StageResult{Name: "signatures", Valid: false, Detail: "receipt id does not match canonicalized body"}
	}
	if !keyvault.Verify(projectPublicKeyHex, r.ID, r.Signature) {
		return StageResult{Name: "signatures", Valid: false, Detail: "receipt signature invalid"}
	}
	return StageResult{Name: "signatures", Valid: true}
}

// verifyContentIntegrity is stage 4: recompute
// sha256(canonical_json(run.steps)) and compare it to the body's "config"
// provenance claim, then confirm every attachment file's name equals the
// SHA-256 of its own contents.
func verifyContentIntegrity(ctx context.Context, r model.Receipt, blobs BlobLoader) StageResult {
	configHash, err := canonical.HashJSON(r.Body.Steps)
	if err != nil {
		return StageResult{Name: "content_integrity", Valid: false, Detail: fmt.Sprintf("hash run.steps: %v", err)}
	}
	var configClaim *model.ProvenanceClaim
	for i := range r.Body.Claims {
		if r.Body.Claims[i].ClaimType == model.ClaimConfig {
			configClaim = &r.Body.Claims[i]
			break
		}
	}
	if configClaim == nil {
		return StageResult{Name: "content_integrity", Valid: false, Detail: "missing config provenance claim"}
	}
	if configClaim.SHA256 != configHash {
		return StageResult{Name: "content_integrity", Valid: false, Detail: "config claim does not match recomputed run.steps hash"}
	}

	if blobs == nil {
		return StageResult{Name: "content_integrity", Valid: true}
	}
	for _, a := range r.Body.Attachments {
		data, err := blobs.Load(ctx, a.SHA256)
		if err != nil {
			return StageResult{Name: "content_integrity", Valid: false, Detail: fmt.Sprintf("attachment %s unreadable: %v", a.SHA256, err)}
		}
		if canonical.Sha256Hex(data) != a.SHA256 {
			return StageResult{Name: "content_integrity", Valid: false, Detail: fmt.Sprintf("attachment %s: filename does not equal sha256 of its contents", a.SHA256)}
		}
	}
	return StageResult{Name: "content_integrity", Valid: true}
}
