// Package replay re-drives a Run's Orchestrator execution under the same
// seed, sampler, and step sequence and judges the new checkpoints against
// the original ones: bytewise digest equality in exact mode, banded
// SimHash/Hamming distance in concordant mode.
package replay

import (
	"context"
	"fmt"

	"github.com/proofworks/verihelm/internal/attachments"
	"github.com/proofworks/verihelm/internal/canonical"
	"github.com/proofworks/verihelm/internal/ledger"
	"github.com/proofworks/verihelm/internal/model"
	"github.com/proofworks/verihelm/internal/orchestrator"
)

// Grade is the letter grade banding for concordant-mode replay.
type Grade string

const (
	GradeAPlus Grade = "A+"
	GradeA     Grade = "A"
	GradeB     Grade = "B"
	GradeC     Grade = "C"
	GradeD     Grade = "D"
	GradeF     Grade = "F"
)

// defaultEpsilon is the acceptance threshold applied when neither the step
// nor the Replayer declares one.
const defaultEpsilon = 0.20

// gradeOrder ranks grades worst-to-best; used to pick the overall Run
// grade as the worst individual step grade.
var gradeOrder = map[Grade]int{
	GradeF: 0, GradeD: 1, GradeC: 2, GradeB: 3, GradeA: 4, GradeAPlus: 5,
}

// StepComparison is the per-step replay outcome. Exact reports bytewise
// digest equality; Passed reports acceptance under the step's mode and
// epsilon. Grade is informational and independent of Passed.
type StepComparison struct {
	OrderIndex     int
	Exact          bool
	Passed         bool
	HammingDist    int
	NormalizedDist float64 // hamming distance / 64
	Similarity     float64 // 1 - NormalizedDist; only meaningful for concordant steps
	Grade          Grade
}

// Result is the overall outcome of replaying one Run. MeanSimilarity is
// the mean over the concordant step similarities, 1.0 when no step was
// compared concordantly.
type Result struct {
	ProofMode      model.ProofMode
	Accepted       bool
	Steps          []StepComparison
	WorstGrade     Grade
	MeanSimilarity float64
}

// gradeFromDistance bands a normalized Hamming distance (0..1) into a
// letter grade.
func gradeFromDistance(normalized float64) Grade {
	switch {
	case normalized <= 0.05:
		return GradeAPlus
	case normalized <= 0.10:
		return GradeA
	case normalized <= 0.20:
		return GradeB
	case normalized <= 0.30:
		return GradeC
	case normalized <= 0.40:
		return GradeD
	default:
		return GradeF
	}
}

// CompareExact implements exact mode: checkpoints must match byte-for-byte
// on their output payload hash.
func CompareExact(original, replayed model.Checkpoint) StepComparison {
	match := original.OutputsSHA256 == replayed.OutputsSHA256
	g := GradeAPlus
	if !match {
		g = GradeF
	}
	return StepComparison{OrderIndex: original.OrderIndex, Exact: match, Passed: match, Similarity: 1, Grade: g}
}

// CompareConcordant implements concordant mode: SimHash/Hamming distance
// between the original and replayed step output text, banded into a
// letter grade. The step passes iff the normalized distance is within
// epsilon (<= 0 selects the default threshold).
func CompareConcordant(originalText, replayedText string, epsilon float64) StepComparison {
	a := canonical.SemanticDigest(originalText)
	b := canonical.SemanticDigest(replayedText)
	dist := canonical.Hamming(a, b)
	normalized := float64(dist) / 64.0
	if epsilon <= 0 {
		epsilon = defaultEpsilon
	}
	return StepComparison{
		HammingDist:    dist,
		NormalizedDist: normalized,
		Similarity:     1 - normalized,
		Grade:          gradeFromDistance(normalized),
		Exact:          dist == 0,
		Passed:         normalized <= epsilon,
	}
}

// PayloadReader is the slice of the Ledger replay needs to recover an
// original step's full output.
type PayloadReader interface {
	GetPayload(ctx context.Context, checkpointID string) (model.CheckpointPayload, error)
}

// Replayer re-executes a Run's steps through a copy of the Orchestrator
// and compares the resulting checkpoints against a previously persisted
// execution. The re-execution writes to an in-memory checkpoint sink, so
// replaying never appends to the original run's chain.
type Replayer struct {
	Orchestrator *orchestrator.Orchestrator
	Ledger       PayloadReader
	Blobs        attachments.Store

	// DefaultEpsilon overrides the acceptance threshold for steps that
	// declare none (e.g. from the catalog's defaults); zero keeps the
	// built-in default.
	DefaultEpsilon float64
}

// memoryWriter satisfies orchestrator.CheckpointWriter without touching
// the database, the attachment store, or the key vault. It still chains
// hashes so a caller inspecting the shadow checkpoints sees a coherent
// (unsigned) sequence.
type memoryWriter struct {
	prevChain string
}

func (m *memoryWriter) PersistCheckpoint(_ context.Context, p ledger.PersistParams) (*model.Checkpoint, error) {
	var inputsSHA, outputsSHA string
	if p.InputsValue != nil {
		var err error
		inputsSHA, err = canonical.HashJSON(p.InputsValue)
		if err != nil {
			return nil, fmt.Errorf("replay: hash shadow inputs: %w", err)
		}
	}
	if p.FullOutputBytes != nil {
		outputsSHA = canonical.Sha256Hex(p.FullOutputBytes)
	}
	body := model.ChainBody{
		RunID:            p.RunID,
		Kind:             p.Kind,
		OrderIndex:       p.OrderIndex,
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
		return nil, fmt.Errorf("replay: canonicalize shadow body: %w", err)
	}
	currChain := canonical.Sha256Hex(append([]byte(m.prevChain), bodyCanonical...))

	cp := &model.Checkpoint{
		RunID:            p.RunID,
		Kind:             p.Kind,
		OrderIndex:       p.OrderIndex,
		InputsSHA256:     inputsSHA,
		OutputsSHA256:    outputsSHA,
		PrevChain:        m.prevChain,
		CurrChain:        currChain,
		UsageTokens:      p.UsageTokens,
		PromptTokens:     p.PromptTokens,
		CompletionTokens: p.CompletionTokens,
		SemanticDigest:   p.SemanticDigest,
		Incident:         p.Incident,
		PolicyRevisionID: p.PolicyRevisionID,
	}
	m.prevChain = currChain
	return cp, nil
}

// originalText recovers a checkpoint's full output text from the
// Attachment Store via its payload's full_output_hash, falling back to
// the stored preview if the full blob is unavailable.
func (r *Replayer) originalText(ctx context.Context, cp model.Checkpoint) (string, error) {
	payload, err := r.Ledger.GetPayload(ctx, cp.ID)
	if err != nil {
		return "", err
	}
	if payload.FullOutputHash != "" && r.Blobs != nil {
		data, err := r.Blobs.Load(ctx, payload.FullOutputHash)
		if err == nil {
			return string(data), nil
		}
	}
	return payload.OutputPreview, nil
}

// Replay re-runs run to completion against an in-memory sink and compares
// each resulting checkpoint against the corresponding entry in original
// (matched by order_index), using run.ProofMode to select the comparison
// mode. Ingest steps are always compared exactly, whatever the mode. A
// run whose original checkpoints include fewer or more step entries than
// the replay produces is itself a failing comparison rather than a panic.
func (r *Replayer) Replay(ctx context.Context, run model.Run, policy model.Policy, policyRevisionID string, original []model.Checkpoint) (Result, error) {
	shadow := *r.Orchestrator
	shadow.Ledger = &memoryWriter{}

	execResult, err := shadow.Execute(ctx, run, policy, policyRevisionID)
	if err != nil {
		return Result{}, fmt.Errorf("replay: re-execute: %w", err)
	}

	originalByIndex := map[int]model.Checkpoint{}
	for _, cp := range original {
		if cp.Kind == model.CheckpointStep {
			originalByIndex[cp.OrderIndex] = cp
		}
	}

	stepKinds := map[int]model.StepKind{}
	epsilons := map[int]float64{}
	for _, st := range run.Steps {
		stepKinds[st.OrderIndex] = st.Config.Kind
		if st.Config.Epsilon != nil {
			epsilons[st.OrderIndex] = *st.Config.Epsilon
		}
	}

	result := Result{ProofMode: run.ProofMode, WorstGrade: GradeAPlus, Accepted: true}
	var similaritySum float64
	var concordantCount int
	var matched int

	for _, cp := range execResult.Checkpoints {
		if cp.Kind != model.CheckpointStep {
			continue
		}
		orig, ok := originalByIndex[cp.OrderIndex]
		if !ok {
			result.Accepted = false
			result.Steps = append(result.Steps, StepComparison{OrderIndex: cp.OrderIndex, Grade: GradeF})
			result.WorstGrade = GradeF
			continue
		}
		matched++

		var cmp StepComparison
		exactOnly := run.ProofMode == model.ProofModeExact || stepKinds[cp.OrderIndex] == model.StepIngest
		if exactOnly {
			cmp = CompareExact(orig, cp)
		} else {
			origText, err := r.originalText(ctx, orig)
			if err != nil {
				return Result{}, fmt.Errorf("replay: recover original text for checkpoint %d: %w", orig.OrderIndex, err)
			}
			eps := epsilons[cp.OrderIndex]
			if eps == 0 {
				eps = r.DefaultEpsilon
			}
			replayedOutput := execResult.PriorOutputs[cp.OrderIndex]
			cmp = CompareConcordant(origText, replayedOutput.OutputText, eps)
			similaritySum += cmp.Similarity
			concordantCount++
		}
		cmp.OrderIndex = cp.OrderIndex
		result.Steps = append(result.Steps, cmp)
		if !cmp.Passed {
			result.Accepted = false
		}
		if gradeOrder[cmp.Grade] < gradeOrder[result.WorstGrade] {
			result.WorstGrade = cmp.Grade
		}
	}
	if matched < len(originalByIndex) {
		result.Accepted = false
		result.WorstGrade = GradeF
	}

	result.MeanSimilarity = 1
	if concordantCount > 0 {
		result.MeanSimilarity = similaritySum / float64(concordantCount)
	}
	return result, nil
}
