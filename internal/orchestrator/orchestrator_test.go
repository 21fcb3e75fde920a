package orchestrator

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/proofworks/verihelm/internal/attachments"
	"github.com/proofworks/verihelm/internal/canonical"
	"github.com/proofworks/verihelm/internal/catalog"
	"github.com/proofworks/verihelm/internal/governance"
	"github.com/proofworks/verihelm/internal/keyvault"
	"github.com/proofworks/verihelm/internal/ledger"
	"github.com/proofworks/verihelm/internal/model"
	"github.com/proofworks/verihelm/internal/store"
)

type stubExtractor struct{}

func (stubExtractor) Extract(_ context.Context, sourcePath string, format model.IngestFormat) (model.CanonicalDocument, error) {
	return model.CanonicalDocument{
		CleanedTextWithMarkdownStructure: "# doc\n\ncontents of " + sourcePath,
		Metadata:                         map[string]any{"format": string(format)},
	}, nil
}

func newFixture(t *testing.T) (*Orchestrator, *ledger.Ledger, string) {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	blobs, err := attachments.NewFileStore(t.TempDir())
	require.NoError(t, err)

	vault := keyvault.New(keyvault.NewMemoryStore())
	pub, err := vault.MintProjectKey("proj-1")
	require.NoError(t, err)

	led := ledger.New(db, vault, blobs)

	catPub, catPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	body := model.CatalogBody{
		Version: "1.0.0",
		Models: []model.Model{
			{ID: "stub-model", Provider: "internal", Enabled: true},
			{ID: "claude-3-5-haiku", Provider: "anthropic", CostPerMillionTokens: 1, NatureCostPerMillionTokens: 1, Enabled: true},
		},
		NatureCostAlgorithm: model.AlgorithmSimple,
	}
	canonBytes, err := canonical.JSON(body)
	require.NoError(t, err)
	sig := ed25519.Sign(catPriv, canonBytes)
	doc := model.SignedCatalogDocument{
		CatalogBody: body,
		Signature: model.CatalogSignature{
			Algorithm: "ed25519", PublicKey: hex.EncodeToString(catPub), Signature: hex.EncodeToString(sig),
		},
	}
	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	cat, err := catalog.Load(raw, catalog.FormatJSON, catPub)
	require.NoError(t, err)

	o := &Orchestrator{
		Ledger:     led,
		Gate:       governance.New(cat),
		Classifier: governance.DefaultClassifier{},
		Catalog:    cat,
		Extractor:  stubExtractor{},
	}
	return o, led, pub
}

func TestExecute_ChainedIngestSummarizePrompt(t *testing.T) {
	o, led, pub := newFixture(t)
	ctx := context.Background()

	run := model.Run{
		ID: "run-1", ProjectID: "proj-1", Seed: 7, ProofMode: model.ProofModeExact,
		Steps: []model.StepTemplate{
			{OrderIndex: 0, Config: model.StepConfig{Kind: model.StepIngest, SourcePath: "doc.txt", Format: model.FormatTXT, Model: "stub-model"}},
			{OrderIndex: 1, Config: model.StepConfig{Kind: model.StepSummarize, SourceStep: intp(0), SummaryType: model.SummaryBrief, Model: "stub-model"}},
			{OrderIndex: 2, Config: model.StepConfig{Kind: model.StepPrompt, Prompt: "what next?", UseOutputFrom: intp(1), Model: "stub-model"}},
		},
	}

	result, err := o.Execute(ctx, run, model.Policy{AllowNetwork: false}, "rev-1")
	require.NoError(t, err)
	require.Equal(t, model.RunSucceeded, result.State)
	require.Len(t, result.Checkpoints, 3)

	res, err := led.VerifyChain(ctx, "run-1", pub)
	require.NoError(t, err)
	require.True(t, res.Valid)

	require.Contains(t, result.PriorOutputs[0].OutputText, "doc.txt")
	require.NotEmpty(t, result.PriorOutputs[1].OutputText)
	require.NotEmpty(t, result.PriorOutputs[2].OutputText)
}

func TestExecute_BlocksOnProjectionBudget(t *testing.T) {
	o, _, _ := newFixture(t)
	ctx := context.Background()

	run := model.Run{
		ID: "run-2", ProjectID: "proj-1", Seed: 1,
		Steps: []model.StepTemplate{
			{OrderIndex: 0, Config: model.StepConfig{Kind: model.StepPrompt, Prompt: "hi", Model: "stub-model", TokenBudget: u64p(1_000_000)}},
		},
	}

	result, err := o.Execute(ctx, run, model.Policy{BudgetTokens: 10}, "rev-1")
	require.NoError(t, err)
	require.Equal(t, model.RunFailed, result.State)
	require.NotNil(t, result.TerminatingIncident)
	require.Equal(t, model.IncidentBudgetProjectionExceeded, result.TerminatingIncident.Kind)
	require.Len(t, result.Checkpoints, 1)
	require.Equal(t, model.CheckpointIncident, result.Checkpoints[0].Kind)
}

func TestExecute_DeniesNetworkWhenNotAllowed(t *testing.T) {
	o, _, _ := newFixture(t)
	ctx := context.Background()

	run := model.Run{
		ID: "run-3", ProjectID: "proj-1", Seed: 1,
		Steps: []model.StepTemplate{
			{OrderIndex: 0, Config: model.StepConfig{Kind: model.StepPrompt, Prompt: "hi", Model: "claude-3-5-haiku"}},
		},
	}

	result, err := o.Execute(ctx, run, model.Policy{AllowNetwork: false}, "rev-1")
	require.NoError(t, err)
	require.Equal(t, model.RunFailed, result.State)
	require.Equal(t, model.IncidentNetworkDenied, result.TerminatingIncident.Kind)
}

func TestExecute_NatureCostWarningIsNonBlocking(t *testing.T) {
	o, _, _ := newFixture(t)
	ctx := context.Background()

	run := model.Run{
		ID: "run-w", ProjectID: "proj-1", Seed: 1,
		Steps: []model.StepTemplate{
			{OrderIndex: 0, Config: model.StepConfig{Kind: model.StepPrompt, Prompt: "hi", Model: "claude-3-5-haiku", TokenBudget: u64p(1_000_000)}},
		},
	}

	result, err := o.Execute(ctx, run, model.Policy{AllowNetwork: true, BudgetNatureCost: 0.5}, "rev-1")
	require.NoError(t, err)
	require.Equal(t, model.RunSucceeded, result.State)
	require.Nil(t, result.TerminatingIncident)

	// The warning incident is persisted first, then the step checkpoint
	// follows and succeeds.
	require.Len(t, result.Checkpoints, 2)
	require.Equal(t, model.CheckpointIncident, result.Checkpoints[0].Kind)
	require.Equal(t, model.IncidentNatureCostWarning, result.Checkpoints[0].Incident.Kind)
	require.Equal(t, model.CheckpointStep, result.Checkpoints[1].Kind)
}

func TestExecute_InvalidForwardReferenceFails(t *testing.T) {
	o, _, _ := newFixture(t)
	ctx := context.Background()

	run := model.Run{
		ID: "run-4", ProjectID: "proj-1", Seed: 1,
		Steps: []model.StepTemplate{
			{OrderIndex: 0, Config: model.StepConfig{Kind: model.StepPrompt, Prompt: "hi", UseOutputFrom: intp(5), Model: "stub-model"}},
		},
	}

	result, err := o.Execute(ctx, run, model.Policy{}, "rev-1")
	require.NoError(t, err)
	require.Equal(t, model.RunFailed, result.State)
	require.Equal(t, model.IncidentValidationFailure, result.TerminatingIncident.Kind)
}

func TestExecute_StubRunIsDeterministic(t *testing.T) {
	o1, _, _ := newFixture(t)
	o2, _, _ := newFixture(t)
	ctx := context.Background()

	mkRun := func(id string) model.Run {
		return model.Run{
			ID: id, ProjectID: "proj-1", Seed: 99,
			Steps: []model.StepTemplate{
				{OrderIndex: 0, Config: model.StepConfig{Kind: model.StepPrompt, Prompt: "hello", Model: "stub-model"}},
			},
		}
	}

	r1, err := o1.Execute(ctx, mkRun("run-5"), model.Policy{}, "rev-1")
	require.NoError(t, err)
	r2, err := o2.Execute(ctx, mkRun("run-6"), model.Policy{}, "rev-1")
	require.NoError(t, err)

	require.Equal(t, r1.PriorOutputs[0].OutputText, r2.PriorOutputs[0].OutputText)
}

func intp(i int) *int          { return &i }
func u64p(u uint64) *uint64    { return &u }
