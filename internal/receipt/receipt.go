// Package receipt assembles and signs the Content-Addressed Receipt
// (CAR) for a completed Run and packages it for export. The body is
// canonicalized first and its SHA-256 becomes the receipt id; the
// signature is layered on top, so a verifier recomputing the canonical
// id gets exactly the string the project signed. Export is either a
// bare JSON document or a zip bundling the document with every
// content-addressed attachment it references.
package receipt

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/proofworks/verihelm/internal/attachments"
	"github.com/proofworks/verihelm/internal/canonical"
	"github.com/proofworks/verihelm/internal/keyvault"
	"github.com/proofworks/verihelm/internal/ledger"
	"github.com/proofworks/verihelm/internal/model"
)

// Signer is the narrow capability the Builder needs from the Key Vault.
type Signer interface {
	Sign(projectID string, data []byte) (signatureHex string, err error)
}

// Builder assembles signed Receipts from a Run's persisted checkpoints.
type Builder struct {
	Ledger *ledger.Ledger
	Vault  Signer
	Blobs  attachments.Store
}

func NewBuilder(led *ledger.Ledger, vault Signer, blobs attachments.Store) *Builder {
	return &Builder{Ledger: led, Vault: vault, Blobs: blobs}
}

// Build assembles a Receipt for run from its persisted checkpoints,
// project public key, and policy references. The receipt's id is the
// sha256 of the canonicalized body; the signature is layered on top, so
// neither field participates in its own hash input.
func (b *Builder) Build(ctx context.Context, run model.Run, projectPublicKeyHex string, policyRef model.PolicyRef, claims []model.ProvenanceClaim, proof model.ProofMetadata) (model.Receipt, error) {
	checkpoints, err := b.Ledger.ListCheckpoints(ctx, run.ID)
	if err != nil {
		return model.Receipt{}, fmt.Errorf("receipt: list checkpoints: %w", err)
	}

	records := make([]model.CheckpointRecord, 0, len(checkpoints))
	attachmentIndex := make([]model.AttachmentIndexEntry, 0)
	seen := map[string]struct{}{}
	for _, cp := range checkpoints {
		records = append(records, model.CheckpointRecord{
			OrderIndex:       cp.OrderIndex,
			Kind:             cp.Kind,
			Timestamp:        cp.Timestamp.UTC().Format(time.RFC3339Nano),
			InputsSHA256:     cp.InputsSHA256,
			OutputsSHA256:    cp.OutputsSHA256,
			PrevChain:        cp.PrevChain,
			CurrChain:        cp.CurrChain,
			Signature:        cp.Signature,
			UsageTokens:      cp.UsageTokens,
			PromptTokens:     cp.PromptTokens,
			CompletionTokens: cp.CompletionTokens,
			SemanticDigest:   cp.SemanticDigest,
			Incident:         cp.Incident,
			PolicyRevisionID: cp.PolicyRevisionID,
		})

		payload, err := b.Ledger.GetPayload(ctx, cp.ID)
		if err != nil || payload.FullOutputHash == "" {
			continue
		}
		if _, ok := seen[payload.FullOutputHash]; ok {
			continue
		}
		seen[payload.FullOutputHash] = struct{}{}

		size := int64(0)
		if data, err := b.Blobs.Load(ctx, payload.FullOutputHash); err == nil {
			size = int64(len(data))
		}
		attachmentIndex = append(attachmentIndex, model.AttachmentIndexEntry{
			SHA256: payload.FullOutputHash,
			Size:   size,
		})
	}

	body := model.ReceiptBody{
		ProjectPublicKey: projectPublicKeyHex,
		RunID:            run.ID,
		RunName:          run.Name,
		Seed:             run.Seed,
		Steps:            run.Steps,
		Checkpoints:      records,
		Claims:           claims,
		PolicyRef:        policyRef,
		Proof:            proof,
		Attachments:      attachmentIndex,
	}

	canonicalBytes, err := canonical.JSON(body)
	if err != nil {
		return model.Receipt{}, fmt.Errorf("receipt: canonicalize body: %w", err)
	}
	id := canonical.Sha256Hex(canonicalBytes)

	signature, err := b.Vault.Sign(run.ProjectID, []byte(id))
	if err != nil {
		return model.Receipt{}, fmt.Errorf("receipt: sign: %w", err)
	}

	return model.Receipt{ID: id, Body: body, Signature: signature}, nil
}

// VerifyReceiptSignature checks a Receipt's detached signature against the
// project's public key.
func VerifyReceiptSignature(r model.Receipt, projectPublicKeyHex string) (bool, error) {
	canonicalBytes, err := canonical.JSON(r.Body)
	if err != nil {
		return false, fmt.Errorf("receipt: canonicalize body: %w", err)
	}
	expectedID := canonical.Sha256Hex(canonicalBytes)
	if expectedID != r.ID {
		return false, nil
	}
	return keyvault.Verify(projectPublicKeyHex, r.ID, r.Signature), nil
}

// BundleZip packages a Receipt and its referenced attachments into a
// zip archive: car.json at the root plus attachments/<hash>.txt for every
// full output the receipt indexes.
func (b *Builder) BundleZip(ctx context.Context, r model.Receipt) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	carJSON, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("receipt: marshal car.json: %w", err)
	}
	w, err := zw.Create("car.json")
	if err != nil {
		return nil, fmt.Errorf("receipt: create car.json entry: %w", err)
	}
	if _, err := w.Write(carJSON); err != nil {
		return nil, fmt.Errorf("receipt: write car.json: %w", err)
	}

	for _, a := range r.Body.Attachments {
		data, err := b.Blobs.Load(ctx, a.SHA256)
		if err != nil {
			return nil, fmt.Errorf("receipt: load attachment %s: %w", a.SHA256, err)
		}
		entry, err := zw.Create(fmt.Sprintf("attachments/%s.txt", a.SHA256))
		if err != nil {
			return nil, fmt.Errorf("receipt: create attachment entry: %w", err)
		}
		if _, err := entry.Write(data); err != nil {
			return nil, fmt.Errorf("receipt: write attachment: %w", err)
		}
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("receipt: close zip: %w", err)
	}
	return buf.Bytes(), nil
}

// Marshal serializes a Receipt as the alternative single-JSON export form
// (no attachments embedded, referenced only by hash).
func Marshal(r model.Receipt) ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}
