// Package orchestrator dispatches a Run's typed Steps in strict
// order_index sequence, propagating prior outputs and enforcing the
// governance gates around each step. Step configuration is a closed sum
// over Ingest/Summarize/Prompt; execution routes by model id into one of
// exactly three classes (deterministic stub, mock provider, real client).
package orchestrator

import (
	"context"
	"fmt"
	"sort"

	"github.com/proofworks/verihelm/internal/canonical"
	"github.com/proofworks/verihelm/internal/catalog"
	"github.com/proofworks/verihelm/internal/governance"
	"github.com/proofworks/verihelm/internal/ledger"
	"github.com/proofworks/verihelm/internal/llm"
	"github.com/proofworks/verihelm/internal/model"
)

// DocumentExtractor is the external collaborator producing a
// CanonicalDocument from a filesystem path given a format tag, invoked
// only from Ingest steps.
type DocumentExtractor interface {
	Extract(ctx context.Context, sourcePath string, format model.IngestFormat) (model.CanonicalDocument, error)
}

// CheckpointWriter is the slice of the Ledger the Orchestrator needs. The
// replay engine substitutes an in-memory writer here so a re-execution
// never appends to the original run's persisted chain.
type CheckpointWriter interface {
	PersistCheckpoint(ctx context.Context, p ledger.PersistParams) (*model.Checkpoint, error)
}

// Orchestrator wires the Ledger, Governance gates, Model Catalog, a real
// LLM Client, and a DocumentExtractor into one sequential step dispatcher.
type Orchestrator struct {
	Ledger     CheckpointWriter
	Gate       *governance.Gate
	Classifier governance.NetworkClassifier
	Catalog    *catalog.Catalog
	RealClient llm.Client
	Extractor  DocumentExtractor
}

// RunResult is the outcome of executing a Run to completion or failure.
type RunResult struct {
	State               model.RunState
	Checkpoints         []model.Checkpoint
	PriorOutputs        map[int]model.StepOutput
	TerminatingIncident *model.Incident
}

// providerOf resolves a model id's provider via the Catalog, defaulting
// to "unknown" for ids the catalog doesn't list. The stub model always
// resolves to "internal", whether or not the catalog lists it.
func (o *Orchestrator) providerOf(modelID string) string {
	if modelID == llm.StubModelID {
		return "internal"
	}
	if m := o.Catalog.Lookup(modelID); m != nil {
		return m.Provider
	}
	return "unknown"
}

// Execute runs every step of run in order, persisting checkpoints via the
// Ledger and stopping immediately on any error incident. Warning incidents
// are persisted but do not stop execution.
func (o *Orchestrator) Execute(ctx context.Context, run model.Run, policy model.Policy, policyRevisionID string) (RunResult, error) {
	steps := append([]model.StepTemplate(nil), run.Steps...)
	sort.Slice(steps, func(i, j int) bool { return steps[i].OrderIndex < steps[j].OrderIndex })

	result := RunResult{State: model.RunExecuting, PriorOutputs: map[int]model.StepOutput{}}

	defaults := o.Catalog.Defaults()
	projectSteps := make([]governance.ProjectStep, 0, len(steps))
	for _, st := range steps {
		projectSteps = append(projectSteps, governance.ProjectStep{
			Model:       st.Config.Model,
			TokenBudget: defaultTokenBudget(st.Config, defaults),
		})
	}

	projection, err := o.Gate.ProjectRun(projectSteps, policy)
	if err != nil {
		return result, fmt.Errorf("orchestrator: projection gate: %w", err)
	}
	if projection.Warning != nil {
		cp, err := o.persistIncident(ctx, run, -1, projection.Warning, policyRevisionID)
		if err != nil {
			return result, err
		}
		result.Checkpoints = append(result.Checkpoints, *cp)
	}
	if projection.Blocking != nil {
		cp, err := o.persistIncident(ctx, run, -1, projection.Blocking, policyRevisionID)
		if err != nil {
			return result, err
		}
		result.State = model.RunFailed
		result.Checkpoints = append(result.Checkpoints, *cp)
		result.TerminatingIncident = projection.Blocking
		return result, nil
	}

	var totals governance.RunningTotals

	for _, st := range steps {
		cfg := normalizeLegacy(st.Config)

		if incident := o.validateReferences(cfg, st.OrderIndex); incident != nil {
			cp, err := o.persistIncident(ctx, run, st.OrderIndex, incident, policyRevisionID)
			if err != nil {
				return result, err
			}
			result.Checkpoints = append(result.Checkpoints, *cp)
			result.State = model.RunFailed
			result.TerminatingIncident = incident
			return result, nil
		}

		provider := o.providerOf(cfg.Model)
		if cfg.Kind != model.StepIngest {
			if incident := o.Gate.NetworkGate(o.Classifier, cfg.Model, provider, policy); incident != nil {
				cp, err := o.persistIncident(ctx, run, st.OrderIndex, incident, policyRevisionID)
				if err != nil {
					return result, err
				}
				result.Checkpoints = append(result.Checkpoints, *cp)
				result.State = model.RunFailed
				result.TerminatingIncident = incident
				return result, nil
			}
		}

		output, usage, resolvedPrompt, err := o.dispatch(ctx, run, cfg, st.OrderIndex, result.PriorOutputs)
		if err != nil {
			incident := governance.ValidationIncident(err.Error(), map[string]any{"order_index": st.OrderIndex})
			cp, perr := o.persistIncident(ctx, run, st.OrderIndex, incident, policyRevisionID)
			if perr != nil {
				return result, perr
			}
			result.Checkpoints = append(result.Checkpoints, *cp)
			result.State = model.RunFailed
			result.TerminatingIncident = incident
			return result, nil
		}

		semDigest := ""
		if cfg.Kind != model.StepIngest {
			semDigest = canonical.SemanticDigestHex(output.OutputText)
		}

		payload, err := outputPayload(output)
		if err != nil {
			return result, fmt.Errorf("orchestrator: encode output payload: %w", err)
		}

		cp, err := o.Ledger.PersistCheckpoint(ctx, ledger.PersistParams{
			RunID:            run.ID,
			ProjectID:        run.ProjectID,
			Kind:             model.CheckpointStep,
			OrderIndex:       st.OrderIndex,
			InputsValue:      cfg,
			FullOutputBytes:  payload,
			PromptPayload:    resolvedPrompt,
			UsageTokens:      usage.PromptTokens + usage.CompletionTokens,
			PromptTokens:     usage.PromptTokens,
			CompletionTokens: usage.CompletionTokens,
			SemanticDigest:   semDigest,
			PolicyRevisionID: policyRevisionID,
		})
		if err != nil {
			return result, fmt.Errorf("orchestrator: persist checkpoint: %w", err)
		}
		result.Checkpoints = append(result.Checkpoints, *cp)
		result.PriorOutputs[st.OrderIndex] = output

		totals.Tokens += usage.PromptTokens + usage.CompletionTokens
		if usd, err := o.Catalog.CalculateUSDCost(cfg.Model, usage.PromptTokens+usage.CompletionTokens); err == nil {
			totals.USD += usd
		}
		if incident := o.Gate.BudgetGate(totals, policy); incident != nil {
			icp, err := o.persistIncident(ctx, run, st.OrderIndex, incident, policyRevisionID)
			if err != nil {
				return result, err
			}
			result.Checkpoints = append(result.Checkpoints, *icp)
			result.State = model.RunFailed
			result.TerminatingIncident = incident
			return result, nil
		}
	}

	result.State = model.RunSucceeded
	return result, nil
}

func (o *Orchestrator) persistIncident(ctx context.Context, run model.Run, orderIndex int, incident *model.Incident, policyRevisionID string) (*model.Checkpoint, error) {
	return o.Ledger.PersistCheckpoint(ctx, ledger.PersistParams{
		RunID:            run.ID,
		ProjectID:        run.ProjectID,
		Kind:             model.CheckpointIncident,
		OrderIndex:       orderIndex,
		Incident:         incident,
		PolicyRevisionID: policyRevisionID,
	})
}

type usage struct {
	PromptTokens     uint64
	CompletionTokens uint64
}

// dispatch builds the prompt per variant, routes by model id class, and
// returns the resulting StepOutput along with the resolved prompt the
// step actually executed (empty for Ingest).
func (o *Orchestrator) dispatch(ctx context.Context, run model.Run, cfg model.StepConfig, orderIndex int, prior map[int]model.StepOutput) (model.StepOutput, usage, string, error) {
	switch cfg.Kind {
	case model.StepIngest:
		if o.Extractor == nil {
			return model.StepOutput{}, usage{}, "", fmt.Errorf("orchestrator: no document extractor configured")
		}
		doc, err := o.Extractor.Extract(ctx, cfg.SourcePath, cfg.Format)
		if err != nil {
			return model.StepOutput{}, usage{}, "", fmt.Errorf("ingest: %w", err)
		}
		docJSON, err := canonical.JSON(doc)
		if err != nil {
			return model.StepOutput{}, usage{}, "", fmt.Errorf("ingest: canonicalize document: %w", err)
		}
		hash := canonical.Sha256Hex(docJSON)
		return model.StepOutput{
			OrderIndex:    orderIndex,
			StepKind:      model.StepIngest,
			OutputText:    doc.CleanedTextWithMarkdownStructure,
			OutputJSON:    doc,
			OutputsSHA256: hash,
		}, usage{}, "", nil

	case model.StepSummarize:
		referenced, ok := prior[*cfg.SourceStep]
		if !ok {
			return model.StepOutput{}, usage{}, "", fmt.Errorf("summarize: source_step %d not found", *cfg.SourceStep)
		}
		directive := summaryDirective(cfg)
		prompt := directive + "\n\n" + referencedText(referenced)
		out, u, err := o.execute(ctx, run, cfg, orderIndex, prompt)
		return out, u, prompt, err

	case model.StepPrompt:
		prompt := cfg.Prompt
		if cfg.UseOutputFrom != nil {
			referenced, ok := prior[*cfg.UseOutputFrom]
			if !ok {
				return model.StepOutput{}, usage{}, "", fmt.Errorf("prompt: use_output_from %d not found", *cfg.UseOutputFrom)
			}
			prompt = cfg.Prompt + "\n\n--- Context from previous step ---\n" + referencedText(referenced)
		}
		out, u, err := o.execute(ctx, run, cfg, orderIndex, prompt)
		return out, u, prompt, err

	default:
		return model.StepOutput{}, usage{}, "", fmt.Errorf("unknown step kind %q", cfg.Kind)
	}
}

func (o *Orchestrator) execute(ctx context.Context, run model.Run, cfg model.StepConfig, orderIndex int, prompt string) (model.StepOutput, usage, error) {
	class := llm.Classify(cfg.Model, true) // network gate already ran; classification here is about routing, not permission
	var text string
	var u usage

	switch class {
	case llm.ClassStub:
		resp := llm.RunStub(run.Seed, orderIndex, prompt)
		text = resp.OutputText
	case llm.ClassMock:
		resp, err := llm.MockClaude{}.Generate(ctx, cfg.Model, prompt)
		if err != nil {
			return model.StepOutput{}, usage{}, fmt.Errorf("mock provider: %w", err)
		}
		text = resp.OutputText
		u = usage{PromptTokens: resp.PromptTokens, CompletionTokens: resp.CompletionTokens}
	default:
		if o.RealClient == nil {
			return model.StepOutput{}, usage{}, fmt.Errorf("no real LLM client configured for model %q", cfg.Model)
		}
		resp, err := o.RealClient.Generate(ctx, cfg.Model, prompt)
		if err != nil {
			return model.StepOutput{}, usage{}, fmt.Errorf("llm client: %w", err)
		}
		text = resp.OutputText
		u = usage{PromptTokens: resp.PromptTokens, CompletionTokens: resp.CompletionTokens}
	}

	return model.StepOutput{
		OrderIndex:    orderIndex,
		StepKind:      cfg.Kind,
		OutputText:    text,
		OutputsSHA256: canonical.Sha256Hex([]byte(text)),
	}, u, nil
}

// outputPayload is the canonical byte form of a step's output: the
// CanonicalDocument JSON for an Ingest step, the raw UTF-8 text otherwise.
// The ledger hashes and stores exactly these bytes, so outputs_sha256 is
// always the key of a retrievable attachment.
func outputPayload(out model.StepOutput) ([]byte, error) {
	if out.StepKind == model.StepIngest {
		return canonical.JSON(out.OutputJSON)
	}
	return []byte(out.OutputText), nil
}

func (o *Orchestrator) validateReferences(cfg model.StepConfig, orderIndex int) *model.Incident {
	check := func(idx *int, field string) *model.Incident {
		if idx == nil {
			return nil
		}
		if *idx < 0 || *idx >= orderIndex {
			return governance.ValidationIncident("invalid reference index", map[string]any{
				"field": field, "index": *idx, "order_index": orderIndex,
			})
		}
		return nil
	}
	if cfg.Kind == model.StepSummarize {
		if cfg.SourceStep == nil {
			return governance.ValidationIncident("missing source_step", map[string]any{"order_index": orderIndex})
		}
		return check(cfg.SourceStep, "source_step")
	}
	if cfg.Kind == model.StepPrompt {
		return check(cfg.UseOutputFrom, "use_output_from")
	}
	return nil
}

func summaryDirective(cfg model.StepConfig) string {
	switch cfg.SummaryType {
	case model.SummaryCustom:
		return cfg.CustomInstructions
	case model.SummaryDetailed:
		return "Produce a detailed summary."
	case model.SummaryAcademic:
		return "Produce an academic-register summary."
	default:
		return "Produce a brief summary."
	}
}

func referencedText(out model.StepOutput) string {
	if out.StepKind == model.StepIngest {
		if doc, ok := out.OutputJSON.(model.CanonicalDocument); ok {
			return doc.CleanedTextWithMarkdownStructure
		}
	}
	return out.OutputText
}

func defaultTokenBudget(cfg model.StepConfig, defaults model.CatalogDefaults) uint64 {
	if cfg.TokenBudget != nil {
		return *cfg.TokenBudget
	}
	return defaults.TokenBudget
}

// normalizeLegacy covers configs decoded from an older sibling-column
// row shape: a StepConfig that lost its Kind tag but carries
// Model/Prompt is treated as a legacy Prompt step rather than failing
// outright.
func normalizeLegacy(cfg model.StepConfig) model.StepConfig {
	if cfg.Kind == "" && cfg.Model != "" {
		cfg.Kind = model.StepPrompt
	}
	return cfg
}
