package model

// ClaimType enumerates the provenance claim kinds embedded in a Receipt.
type ClaimType string

const (
	ClaimConfig ClaimType = "config"
	ClaimOutput ClaimType = "output"
)

// ProvenanceClaim asserts that a specific artefact hashes to sha256.
type ProvenanceClaim struct {
	ClaimType    ClaimType `json:"claim_type"`
	SHA256       string    `json:"sha256"`
	CheckpointID string    `json:"checkpoint_id,omitempty"`
}

// PolicyRef stamps the policy and catalog provenance into a Receipt.
type PolicyRef struct {
	Hash                string `json:"hash"`
	Estimator           string `json:"estimator"`
	ModelCatalogHash    string `json:"model_catalog_hash"`
	ModelCatalogVersion string `json:"model_catalog_version"`
}

// ProofMetadata records how the receipt's replay was (or will be) graded.
type ProofMetadata struct {
	MatchKind      ProofMode `json:"match_kind"`
	Epsilon        float64   `json:"epsilon,omitempty"`
	DistanceMetric string    `json:"distance_metric,omitempty"`
}

// CheckpointRecord is the receipt-body projection of a Checkpoint: the
// chain-relevant fields only, no local storage identifiers.
type CheckpointRecord struct {
	OrderIndex       int            `json:"order_index"`
	Kind             CheckpointKind `json:"kind"`
	Timestamp        string         `json:"timestamp"`
	InputsSHA256     string         `json:"inputs_sha256,omitempty"`
	OutputsSHA256    string         `json:"outputs_sha256,omitempty"`
	PrevChain        string         `json:"prev_chain"`
	CurrChain        string         `json:"curr_chain"`
	Signature        string         `json:"signature"`
	UsageTokens      uint64         `json:"usage_tokens"`
	PromptTokens     uint64         `json:"prompt_tokens"`
	CompletionTokens uint64         `json:"completion_tokens"`
	SemanticDigest   string         `json:"semantic_digest,omitempty"`
	Incident         *Incident      `json:"incident,omitempty"`
	PolicyRevisionID string         `json:"policy_revision_id"`
}

// AttachmentIndexEntry lists one attachment referenced by the body.
type AttachmentIndexEntry struct {
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

// ReceiptBody is everything that gets canonicalized to produce the
// receipt's content-addressed id.
type ReceiptBody struct {
	ProjectPublicKey string                 `json:"project_public_key"`
	RunID            string                 `json:"run_id"`
	RunName          string                 `json:"run_name"`
	Seed             uint64                 `json:"seed"`
	Steps            []StepTemplate         `json:"steps"`
	Checkpoints      []CheckpointRecord     `json:"checkpoints"`
	Claims           []ProvenanceClaim      `json:"claims"`
	PolicyRef        PolicyRef              `json:"policy_ref"`
	Proof            ProofMetadata          `json:"proof"`
	Attachments      []AttachmentIndexEntry `json:"attachments"`
}

// Receipt (CAR) is the portable, signed bundle a third party verifies
// offline.
type Receipt struct {
	ID        string      `json:"id"`
	Body      ReceiptBody `json:"body"`
	Signature string      `json:"signature"`
}
