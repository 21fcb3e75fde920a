// Package governance implements the engine's two enforcement gates: the
// pre-run projection gate (price the whole run before it starts) and the
// per-step runtime gate (network egress plus cumulative budget re-checks
// after each step). Every denial or warning is synthesized as a typed
// Incident, which the ledger persists as a signed checkpoint; nothing is
// enforced silently.
package governance

import (
	"github.com/proofworks/verihelm/internal/catalog"
	"github.com/proofworks/verihelm/internal/model"
)

// ProjectionResult is the outcome of the pre-run projection gate. At most
// one of Blocking/Warning is set: a projection failure on tokens/USD
// blocks before nature cost is even relevant.
type ProjectionResult struct {
	Blocking *model.Incident
	Warning  *model.Incident
}

// Gate evaluates both the projection and per-step gates against a
// Catalog.
type Gate struct {
	catalog *catalog.Catalog
}

func New(cat *catalog.Catalog) *Gate {
	return &Gate{catalog: cat}
}

// ProjectStep is the minimal shape the projection gate needs from a Step.
type ProjectStep struct {
	Model       string
	TokenBudget uint64 // already defaulted by the caller if the step omitted it
}

// ProjectRun implements the projection gate: sum declared token_budget
// across steps, price it via the Catalog, and compare to the policy's
// caps.
func (g *Gate) ProjectRun(steps []ProjectStep, policy model.Policy) (ProjectionResult, error) {
	var totalTokens uint64
	var totalUSD, totalNature float64

	for _, s := range steps {
		totalTokens += s.TokenBudget
		usd, err := g.catalog.CalculateUSDCost(s.Model, s.TokenBudget)
		if err == nil {
			totalUSD += usd
		}
		nature, err := g.catalog.CalculateNatureCost(s.Model, s.TokenBudget)
		if err == nil {
			totalNature += nature
		}
	}

	if (policy.BudgetTokens > 0 && totalTokens > policy.BudgetTokens) ||
		(policy.BudgetUSD > 0 && totalUSD > policy.BudgetUSD) {
		return ProjectionResult{
			Blocking: &model.Incident{
				Kind:     model.IncidentBudgetProjectionExceeded,
				Severity: model.SeverityError,
				Details: map[string]any{
					"projected_tokens": totalTokens,
					"projected_usd":    totalUSD,
					"budget_tokens":    policy.BudgetTokens,
					"budget_usd":       policy.BudgetUSD,
				},
			},
		}, nil
	}

	if policy.BudgetNatureCost > 0 && totalNature > policy.BudgetNatureCost {
		return ProjectionResult{
			Warning: &model.Incident{
				Kind:     model.IncidentNatureCostWarning,
				Severity: model.SeverityWarn,
				Details: map[string]any{
					"projected": totalNature,
					"budget":    policy.BudgetNatureCost,
				},
			},
		}, nil
	}

	return ProjectionResult{}, nil
}

// NetworkClassifier decides whether a model id/provider pair may execute
// without the run's allowNetwork flag (i.e. is local/internal). The
// default implementation is a provider-name heuristic; CELClassifier is
// the extensible alternative for hosts that need a richer rule.
type NetworkClassifier interface {
	IsLocalOrInternal(modelID, provider string) bool
}

// DefaultClassifier treats the providers "internal" and "ollama" as
// never needing network.
type DefaultClassifier struct{}

func (DefaultClassifier) IsLocalOrInternal(_ string, provider string) bool {
	return provider == "internal" || provider == "ollama"
}

// NetworkGate checks the per-step network egress rule: before a step
// that would reach the network, policy.allowNetwork must be true unless
// the model is local/internal.
func (g *Gate) NetworkGate(classifier NetworkClassifier, modelID, provider string, policy model.Policy) *model.Incident {
	if classifier.IsLocalOrInternal(modelID, provider) {
		return nil
	}
	if policy.AllowNetwork {
		return nil
	}
	return &model.Incident{
		Kind:     model.IncidentNetworkDenied,
		Severity: model.SeverityError,
		Details: map[string]any{
			"model_id": modelID,
			"provider": provider,
		},
	}
}

// RunningTotals accumulates a run's spend so far for the post-step budget
// re-check.
type RunningTotals struct {
	Tokens uint64
	USD    float64
}

// BudgetGate re-evaluates cumulative spend after a successful step; if
// cumulative tokens or USD now exceed the bound policy's caps, it returns
// a blocking budget_exceeded incident.
func (g *Gate) BudgetGate(totals RunningTotals, policy model.Policy) *model.Incident {
	if policy.BudgetTokens > 0 && totals.Tokens > policy.BudgetTokens {
		return &model.Incident{
			Kind:     model.IncidentBudgetExceeded,
			Severity: model.SeverityError,
			Details: map[string]any{
				"cumulative_tokens": totals.Tokens,
				"budget_tokens":     policy.BudgetTokens,
			},
		}
	}
	if policy.BudgetUSD > 0 && totals.USD > policy.BudgetUSD {
		return &model.Incident{
			Kind:     model.IncidentBudgetExceeded,
			Severity: model.SeverityError,
			Details: map[string]any{
				"cumulative_usd": totals.USD,
				"budget_usd":     policy.BudgetUSD,
			},
		}
	}
	return nil
}

// ValidationIncident builds a validation_failure incident, used by the
// Orchestrator for step-local errors like missing source_step or a
// forward reference.
func ValidationIncident(reason string, details map[string]any) *model.Incident {
	if details == nil {
		details = map[string]any{}
	}
	details["reason"] = reason
	return &model.Incident{
		Kind:     model.IncidentValidationFailure,
		Severity: model.SeverityError,
		Details:  details,
	}
}
