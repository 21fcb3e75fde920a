// Package model holds the data model shared by every component: Project,
// Policy, Run, Step, Checkpoint, Incident, and Receipt shapes. Plain
// exported structs with json tags, no behavior beyond small helpers.
package model

import "time"

// Project is identity plus an Ed25519 key pair; the secret lives in the
// Key Vault, only the public key is persisted here. Created once, never
// mutated, deletable only if no dependent runs exist.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	PublicKey string    `json:"public_key"` // hex-encoded Ed25519 public key
	CreatedAt time.Time `json:"created_at"`
}

// Policy is the value object governing a project's budget and network
// posture. Zero value is the safe default: no network, no budget caps.
type Policy struct {
	AllowNetwork     bool    `json:"allow_network"`
	BudgetTokens     uint64  `json:"budget_tokens"`
	BudgetUSD        float64 `json:"budget_usd"`
	BudgetNatureCost float64 `json:"budget_nature_cost"`
}

// PolicyRevision is an immutable snapshot of a Policy with a monotonically
// increasing version per project. A policy update never mutates; it
// appends a revision and advances the project's current pointer.
type PolicyRevision struct {
	ProjectID string    `json:"project_id"`
	Version   int64     `json:"version"`
	Policy    Policy    `json:"policy"`
	CreatedAt time.Time `json:"created_at"`
	Actor     string    `json:"actor,omitempty"`
	Note      string    `json:"note,omitempty"`
}

// ProofMode selects how replay acceptance is judged for a Run.
type ProofMode string

const (
	ProofModeExact      ProofMode = "exact"
	ProofModeConcordant ProofMode = "concordant"
)

// RunState is the Run state machine: Draft -> Sealed -> Executing ->
// (Succeeded | Failed).
type RunState string

const (
	RunDraft     RunState = "draft"
	RunSealed    RunState = "sealed"
	RunExecuting RunState = "executing"
	RunSucceeded RunState = "succeeded"
	RunFailed    RunState = "failed"
)

// SamplerConfig is an optional per-run sampling override (temperature,
// top_p, etc.) opaque to the engine beyond JSON round-tripping into
// provider calls.
type SamplerConfig map[string]any

// Run is an ordered sequence of typed Steps bound to one policy revision.
type Run struct {
	ID            string         `json:"id"`
	ProjectID     string         `json:"project_id"`
	Name          string         `json:"name"`
	Seed          uint64         `json:"seed"`
	ProofMode     ProofMode      `json:"proof_mode"`
	Sampler       SamplerConfig  `json:"sampler,omitempty"`
	PolicyVersion int64          `json:"policy_version"`
	State         RunState       `json:"state"`
	RerunOf       string         `json:"rerun_of,omitempty"`
	Steps         []StepTemplate `json:"steps"`
	CreatedAt     time.Time      `json:"created_at"`
}

// StepKind is the tag of the StepConfig closed sum type.
type StepKind string

const (
	StepIngest    StepKind = "ingest"
	StepSummarize StepKind = "summarize"
	StepPrompt    StepKind = "prompt"
)

// IngestFormat enumerates the document formats the external extractor
// understands.
type IngestFormat string

const (
	FormatPDF  IngestFormat = "pdf"
	FormatTeX  IngestFormat = "latex"
	FormatTXT  IngestFormat = "txt"
	FormatDocx IngestFormat = "docx"
)

// SummaryType enumerates the fixed directive strings for Summarize steps.
type SummaryType string

const (
	SummaryBrief    SummaryType = "brief"
	SummaryDetailed SummaryType = "detailed"
	SummaryAcademic SummaryType = "academic"
	SummaryCustom   SummaryType = "custom"
)

// StepConfig is the tagged sum type over Ingest/Summarize/Prompt. Only the
// field(s) matching Kind are meaningful; dispatch is always by Kind, never
// by type assertion on the zero values of the other variants.
type StepConfig struct {
	Kind StepKind `json:"kind"`

	// Ingest fields.
	SourcePath    string       `json:"source_path,omitempty"`
	Format        IngestFormat `json:"format,omitempty"`
	PrivacyStatus string       `json:"privacy_status,omitempty"`

	// Summarize fields.
	SourceStep         *int        `json:"source_step,omitempty"`
	SummaryType        SummaryType `json:"summary_type,omitempty"`
	CustomInstructions string      `json:"custom_instructions,omitempty"`

	// Prompt fields.
	Prompt        string `json:"prompt,omitempty"`
	UseOutputFrom *int   `json:"use_output_from,omitempty"`

	// Shared optional fields.
	Model       string     `json:"model"`
	TokenBudget *uint64    `json:"token_budget,omitempty"`
	ProofMode   *ProofMode `json:"proof_mode,omitempty"`
	Epsilon     *float64   `json:"epsilon,omitempty"`
}

// StepTemplate is a StepConfig bound to its position in the Run.
type StepTemplate struct {
	OrderIndex int        `json:"order_index"`
	Config     StepConfig `json:"config"`
}

// EditLogEntry records one mutation to a Draft run's step sequence.
type EditLogEntry struct {
	RunID      string    `json:"run_id"`
	Actor      string    `json:"actor"`
	Timestamp  time.Time `json:"timestamp"`
	DiffSHA256 string    `json:"diff_sha256"`
	Diff       any       `json:"diff"`
}

// CheckpointKind distinguishes a regular step checkpoint from an incident.
type CheckpointKind string

const (
	CheckpointStep     CheckpointKind = "step"
	CheckpointIncident CheckpointKind = "incident"
)

// IncidentSeverity governs whether an Incident aborts the Run.
type IncidentSeverity string

const (
	SeverityWarn  IncidentSeverity = "warn"
	SeverityError IncidentSeverity = "error"
)

// IncidentKind enumerates the predefined incident reasons.
type IncidentKind string

const (
	IncidentBudgetProjectionExceeded IncidentKind = "budget_projection_exceeded"
	IncidentBudgetExceeded           IncidentKind = "budget_exceeded"
	IncidentNatureCostWarning        IncidentKind = "nature_cost_warning"
	IncidentNetworkDenied            IncidentKind = "network_denied"
	IncidentValidationFailure        IncidentKind = "validation_failure"
)

// Incident is a typed reason with structured details, embedded in a
// Checkpoint of kind Incident.
type Incident struct {
	Kind     IncidentKind     `json:"kind"`
	Severity IncidentSeverity `json:"severity"`
	Details  map[string]any   `json:"details,omitempty"`
}

// Checkpoint is one link of the hash chain: a signed record of either a
// step's execution or an incident.
type Checkpoint struct {
	ID               string         `json:"id"`
	RunID            string         `json:"run_id"`
	ParentCheckpoint string         `json:"parent_checkpoint,omitempty"`
	Kind             CheckpointKind `json:"kind"`
	OrderIndex       int            `json:"order_index"`
	Timestamp        time.Time      `json:"timestamp"`

	InputsSHA256  string `json:"inputs_sha256,omitempty"`
	OutputsSHA256 string `json:"outputs_sha256,omitempty"`

	PrevChain string `json:"prev_chain"`
	CurrChain string `json:"curr_chain"`
	Signature string `json:"signature"`

	UsageTokens      uint64 `json:"usage_tokens"`
	PromptTokens     uint64 `json:"prompt_tokens"`
	CompletionTokens uint64 `json:"completion_tokens"`

	SemanticDigest string `json:"semantic_digest,omitempty"`

	Incident *Incident `json:"incident,omitempty"`

	PolicyRevisionID string `json:"policy_revision_id"`
}

// CheckpointPayload is the sibling row holding the non-chained preview and
// full-output reference for a Checkpoint.
type CheckpointPayload struct {
	CheckpointID   string `json:"checkpoint_id"`
	PromptPayload  string `json:"prompt_payload,omitempty"`
	OutputPreview  string `json:"output_preview,omitempty"`
	FullOutputHash string `json:"full_output_hash,omitempty"`
}

// ChainBody is exactly the portion of a Checkpoint that is canonicalized
// and hashed into CurrChain. It deliberately excludes PrevChain, CurrChain,
// and Signature (those are derived from or layered atop this body).
type ChainBody struct {
	RunID            string         `json:"run_id"`
	Kind             CheckpointKind `json:"kind"`
	OrderIndex       int            `json:"order_index"`
	Timestamp        string         `json:"timestamp"`
	InputsSHA256     string         `json:"inputs_sha256,omitempty"`
	OutputsSHA256    string         `json:"outputs_sha256,omitempty"`
	UsageTokens      uint64         `json:"usage_tokens"`
	PromptTokens     uint64         `json:"prompt_tokens"`
	CompletionTokens uint64         `json:"completion_tokens"`
	SemanticDigest   string         `json:"semantic_digest,omitempty"`
	Incident         *Incident      `json:"incident,omitempty"`
	PolicyRevisionID string         `json:"policy_revision_id"`
}

// Body reconstructs the canonicalization body for an existing checkpoint.
func (c Checkpoint) Body() ChainBody {
	return ChainBody{
		RunID:            c.RunID,
		Kind:             c.Kind,
		OrderIndex:       c.OrderIndex,
		Timestamp:        c.Timestamp.UTC().Format(time.RFC3339Nano),
		InputsSHA256:     c.InputsSHA256,
		OutputsSHA256:    c.OutputsSHA256,
		UsageTokens:      c.UsageTokens,
		PromptTokens:     c.PromptTokens,
		CompletionTokens: c.CompletionTokens,
		SemanticDigest:   c.SemanticDigest,
		Incident:         c.Incident,
		PolicyRevisionID: c.PolicyRevisionID,
	}
}

// StepOutput is the in-memory NodeExecution result, materialized for
// downstream steps to reference by order_index.
type StepOutput struct {
	OrderIndex    int      `json:"order_index"`
	StepKind      StepKind `json:"step_type"`
	OutputText    string   `json:"output_text"`
	OutputJSON    any      `json:"output_json,omitempty"`
	OutputsSHA256 string   `json:"outputs_sha256"`
}

// CanonicalDocument is the structured result of an Ingest step.
type CanonicalDocument struct {
	CleanedTextWithMarkdownStructure string         `json:"cleaned_text_with_markdown_structure"`
	Metadata                         map[string]any `json:"metadata,omitempty"`
}
