// Package engine is the top-level facade wiring every component of the
// Verifiable Workflow Engine — Key Vault, Attachment Store, Model
// Catalog, Policy Store, Governance, Ledger, Orchestrator, Receipt
// Builder, Replay, and Verifier — into the operations a host desktop
// process actually calls: create a project, bind a policy, author and
// seal a run, execute it, replay it, and export its receipt.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/proofworks/verihelm/internal/attachments"
	"github.com/proofworks/verihelm/internal/canonical"
	"github.com/proofworks/verihelm/internal/catalog"
	"github.com/proofworks/verihelm/internal/config"
	"github.com/proofworks/verihelm/internal/governance"
	"github.com/proofworks/verihelm/internal/keyvault"
	"github.com/proofworks/verihelm/internal/ledger"
	"github.com/proofworks/verihelm/internal/llm"
	"github.com/proofworks/verihelm/internal/model"
	"github.com/proofworks/verihelm/internal/orchestrator"
	"github.com/proofworks/verihelm/internal/policystore"
	"github.com/proofworks/verihelm/internal/receipt"
	"github.com/proofworks/verihelm/internal/replay"
	"github.com/proofworks/verihelm/internal/runstore"
	"github.com/proofworks/verihelm/internal/store"
	"github.com/proofworks/verihelm/internal/verifier"
)

// Engine is the library's single entry point; the host desktop process
// constructs one per open project database and drives every Run through
// it.
type Engine struct {
	db         *sql.DB
	vault      *keyvault.Vault
	blobs      attachments.Store
	catalog    *catalog.Catalog
	policies   *policystore.Store
	runs       *runstore.Store
	ledger     *ledger.Ledger
	gate       *governance.Gate
	classifier governance.NetworkClassifier
	orch       *orchestrator.Orchestrator
	receipts   *receipt.Builder
	log        *slog.Logger

	defaultPolicy model.Policy
}

// Options configures the external collaborators New wires together.
// Extractor and RealClient are optional: a host that never runs Ingest or
// real-provider steps may leave them nil, and the corresponding step
// kinds fail with a clear error instead of a nil pointer panic.
type Options struct {
	DB         *sql.DB
	Vault      *keyvault.Vault
	Blobs      attachments.Store
	Catalog    *catalog.Catalog
	Classifier governance.NetworkClassifier
	Extractor  orchestrator.DocumentExtractor
	RealClient llm.Client
	Logger     *slog.Logger

	// DefaultPolicy seeds revision 1 for projects that never set a
	// policy explicitly; its zero value is the safe default.
	DefaultPolicy model.Policy
}

// New wires Options into an Engine. A nil Classifier defaults to
// governance.DefaultClassifier{}; a nil Logger defaults to slog.Default().
func New(opts Options) *Engine {
	if opts.Classifier == nil {
		opts.Classifier = governance.DefaultClassifier{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	led := ledger.New(opts.DB, opts.Vault, opts.Blobs)
	gate := governance.New(opts.Catalog)

	return &Engine{
		db:         opts.DB,
		vault:      opts.Vault,
		blobs:      opts.Blobs,
		catalog:    opts.Catalog,
		policies:   policystore.New(opts.DB),
		runs:       runstore.New(opts.DB),
		ledger:     led,
		gate:       gate,
		classifier: opts.Classifier,
		orch: &orchestrator.Orchestrator{
			Ledger:     led,
			Gate:       gate,
			Classifier: opts.Classifier,
			Catalog:    opts.Catalog,
			RealClient: opts.RealClient,
			Extractor:  opts.Extractor,
		},
		receipts: receipt.NewBuilder(led, opts.Vault, opts.Blobs),
		log:      opts.Logger,

		defaultPolicy: opts.DefaultPolicy,
	}
}

// Open builds an Engine from host configuration: it opens (and migrates)
// the database, the attachment store, and the signed catalog, then wires
// New. A catalog whose signature fails verification degrades to the
// fallback catalog instead of aborting startup; the condition is logged
// and every receipt built in the session carries the fallback version.
func Open(cfg config.Config, secrets keyvault.SecretStore, opts Options) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	db, err := store.Open(cfg.DatabaseFile)
	if err != nil {
		return nil, err
	}
	blobs, err := attachments.NewFileStore(cfg.DataRoot)
	if err != nil {
		db.Close()
		return nil, err
	}
	cat, catErr := cfg.LoadCatalog()
	if catErr != nil {
		opts.Logger.Warn("model catalog degraded to fallback", "error", catErr, "version", cat.Version())
	}

	opts.DB = db
	opts.Vault = keyvault.New(secrets)
	opts.Blobs = blobs
	opts.Catalog = cat
	opts.DefaultPolicy = cfg.DefaultPolicy
	return New(opts), nil
}

// CreateProject mints a fresh Ed25519 keypair via the Key Vault and
// persists the project identity.
func (e *Engine) CreateProject(ctx context.Context, name string) (model.Project, error) {
	// A project id is needed before a key can be scoped to it, and the
	// Key Vault scopes secrets by id rather than generating one itself,
	// so the id is minted here and threaded through both calls.
	p, err := e.runs.CreateProject(ctx, name, "")
	if err != nil {
		return model.Project{}, err
	}
	pub, err := e.vault.MintProjectKey(p.ID)
	if err != nil {
		return model.Project{}, fmt.Errorf("engine: mint project key: %w", err)
	}
	if _, err := e.db.ExecContext(ctx, `UPDATE projects SET public_key = ? WHERE id = ?`, pub, p.ID); err != nil {
		return model.Project{}, fmt.Errorf("engine: persist public key: %w", err)
	}
	p.PublicKey = pub
	e.log.Info("project created", "project_id", p.ID, "name", name)
	return p, nil
}

// SetPolicy appends a new PolicyRevision for project and advances its
// current-version pointer.
func (e *Engine) SetPolicy(ctx context.Context, projectID string, policy model.Policy, actor, note string) (model.PolicyRevision, error) {
	rev, err := e.policies.Upsert(ctx, projectID, policy, actor, note)
	if err != nil {
		return model.PolicyRevision{}, err
	}
	e.log.Info("policy revision created", "project_id", projectID, "version", rev.Version)
	return rev, nil
}

// CreateRun authors a new Draft Run bound to the project's current
// policy revision, auto-installing the configured default revision if
// the project has never set one.
func (e *Engine) CreateRun(ctx context.Context, projectID, name string, seed uint64, proofMode model.ProofMode, sampler model.SamplerConfig, steps []model.StepTemplate) (model.Run, error) {
	rev, _, err := e.policies.MigrateSingleton(ctx, projectID, e.defaultPolicy)
	if err != nil {
		return model.Run{}, fmt.Errorf("engine: resolve current policy: %w", err)
	}

	run := model.Run{
		ProjectID:     projectID,
		Name:          name,
		Seed:          seed,
		ProofMode:     proofMode,
		Sampler:       sampler,
		PolicyVersion: rev.Version,
		Steps:         steps,
	}
	created, err := e.runs.CreateRun(ctx, run)
	if err != nil {
		return model.Run{}, err
	}
	e.log.Info("run created", "run_id", created.ID, "project_id", projectID, "policy_version", rev.Version)
	return created, nil
}

// UpdateSteps mutates a Draft Run's step sequence, logging the change.
// It is rejected once the Run is Sealed or later.
func (e *Engine) UpdateSteps(ctx context.Context, runID, actor string, steps []model.StepTemplate) error {
	return e.runs.ReplaceSteps(ctx, runID, actor, steps)
}

// SealRun freezes a Draft Run's step sequence and its bound policy
// revision ahead of execution.
func (e *Engine) SealRun(ctx context.Context, runID string) error {
	run, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.State != model.RunDraft {
		return fmt.Errorf("engine: run %s is %s, not draft", runID, run.State)
	}
	return e.runs.SetState(ctx, runID, model.RunSealed)
}

// ExecuteRun runs a Sealed Run's steps to completion or failure,
// transitioning it to Succeeded or Failed.
func (e *Engine) ExecuteRun(ctx context.Context, runID string) (orchestrator.RunResult, error) {
	run, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		return orchestrator.RunResult{}, err
	}
	if run.State != model.RunSealed {
		return orchestrator.RunResult{}, fmt.Errorf("engine: run %s is %s, not sealed", runID, run.State)
	}

	policyRev, err := e.policies.Get(ctx, run.ProjectID, run.PolicyVersion)
	if err != nil {
		return orchestrator.RunResult{}, fmt.Errorf("engine: load bound policy revision: %w", err)
	}
	policyRevisionID := fmt.Sprintf("%s@%d", run.ProjectID, policyRev.Version)

	if err := e.runs.SetState(ctx, runID, model.RunExecuting); err != nil {
		return orchestrator.RunResult{}, err
	}

	result, err := e.orch.Execute(ctx, run, policyRev.Policy, policyRevisionID)
	if err != nil {
		e.log.Error("run execution error", "run_id", runID, "error", err)
		_ = e.runs.SetState(ctx, runID, model.RunFailed)
		return result, err
	}

	if setErr := e.runs.SetState(ctx, runID, result.State); setErr != nil {
		return result, setErr
	}
	e.log.Info("run executed", "run_id", runID, "state", result.State, "checkpoints", len(result.Checkpoints))
	return result, nil
}

// ReplayRun re-drives a Run's Orchestrator under its original seed and
// step sequence and grades the result against its persisted checkpoints.
func (e *Engine) ReplayRun(ctx context.Context, runID string) (replay.Result, error) {
	run, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		return replay.Result{}, err
	}
	policyRev, err := e.policies.Get(ctx, run.ProjectID, run.PolicyVersion)
	if err != nil {
		return replay.Result{}, fmt.Errorf("engine: load bound policy revision: %w", err)
	}
	original, err := e.ledger.ListCheckpoints(ctx, runID)
	if err != nil {
		return replay.Result{}, err
	}
	policyRevisionID := fmt.Sprintf("%s@%d", run.ProjectID, policyRev.Version)

	replayer := &replay.Replayer{
		Orchestrator:   e.orch,
		Ledger:         e.ledger,
		Blobs:          e.blobs,
		DefaultEpsilon: e.catalog.Defaults().Epsilon,
	}
	return replayer.Replay(ctx, run, policyRev.Policy, policyRevisionID, original)
}

// BuildReceipt assembles, signs, and persists the record of the portable
// Receipt (CAR) for a Succeeded Run, stamping the Model Catalog's
// hash/version and the bound policy revision into policy_ref.
func (e *Engine) BuildReceipt(ctx context.Context, runID string) (model.Receipt, error) {
	run, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		return model.Receipt{}, err
	}
	if run.State != model.RunSucceeded {
		return model.Receipt{}, fmt.Errorf("engine: run %s is %s, not succeeded", runID, run.State)
	}

	project, err := e.runs.GetProject(ctx, run.ProjectID)
	if err != nil {
		return model.Receipt{}, err
	}
	policyRev, err := e.policies.Get(ctx, run.ProjectID, run.PolicyVersion)
	if err != nil {
		return model.Receipt{}, err
	}

	checkpoints, err := e.ledger.ListCheckpoints(ctx, runID)
	if err != nil {
		return model.Receipt{}, err
	}

	configHash, err := canonical.HashJSON(run.Steps)
	if err != nil {
		return model.Receipt{}, fmt.Errorf("engine: hash run.steps: %w", err)
	}
	policyHash, err := canonical.HashJSON(policyRev.Policy)
	if err != nil {
		return model.Receipt{}, fmt.Errorf("engine: hash policy: %w", err)
	}

	claims := []model.ProvenanceClaim{{ClaimType: model.ClaimConfig, SHA256: configHash}}
	var totalTokens, totalBudget uint64
	totalBudget = policyRev.Policy.BudgetTokens
	for _, cp := range checkpoints {
		if cp.Kind != model.CheckpointStep || cp.OutputsSHA256 == "" {
			continue
		}
		claims = append(claims, model.ProvenanceClaim{ClaimType: model.ClaimOutput, SHA256: cp.OutputsSHA256, CheckpointID: cp.ID})
		totalTokens += cp.UsageTokens
	}

	policyRef := model.PolicyRef{
		Hash:                policyHash,
		Estimator:           string(e.catalog.NatureCostAlgorithm()),
		ModelCatalogHash:    e.catalog.Hash(),
		ModelCatalogVersion: e.catalog.Version(),
	}
	proof := model.ProofMetadata{MatchKind: run.ProofMode, DistanceMetric: "hamming64"}

	r, err := e.receipts.Build(ctx, run, project.PublicKey, policyRef, claims, proof)
	if err != nil {
		return model.Receipt{}, err
	}

	sGrade := computeSGrade(totalTokens, totalBudget)
	_, err = e.db.ExecContext(ctx, `
		INSERT INTO receipts (car_id, run_id, file_path, match_kind, epsilon, s_grade)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, run.ID, nil, string(run.ProofMode), proof.Epsilon, sGrade)
	if err != nil {
		return model.Receipt{}, fmt.Errorf("engine: persist receipt record: %w", err)
	}

	e.log.Info("receipt built", "run_id", runID, "car_id", r.ID, "s_grade", sGrade)
	return r, nil
}

// VerifyReceipt runs the stand-alone four-stage offline check
// against a Receipt already loaded from a bundle file; it needs no
// database access, matching the Verifier's "stand-alone, no database"
// contract.
func VerifyReceipt(ctx context.Context, r model.Receipt, blobs verifier.BlobLoader) (verifier.Report, error) {
	return verifier.Verify(ctx, r, r.Body.ProjectPublicKey, blobs)
}

// computeSGrade derives the receipt's S-Grade from token efficiency: the
// fraction of the bound policy's token budget left unspent, banded into
// replay's letter grades (headroom >= 0.80 A+, >= 0.60 A, >= 0.40 B,
// >= 0.20 C, otherwise D; a fully spent budget is F). A run with no token budget set
// (budget_tokens == 0, i.e. unbounded) always grades A+ since there is
// nothing to be inefficient against.
func computeSGrade(used, budget uint64) string {
	if budget == 0 {
		return string(replay.GradeAPlus)
	}
	if used >= budget {
		return string(replay.GradeF)
	}
	headroom := 1 - float64(used)/float64(budget)
	switch {
	case headroom >= 0.80:
		return string(replay.GradeAPlus)
	case headroom >= 0.60:
		return string(replay.GradeA)
	case headroom >= 0.40:
		return string(replay.GradeB)
	case headroom >= 0.20:
		return string(replay.GradeC)
	default:
		return string(replay.GradeD)
	}
}
