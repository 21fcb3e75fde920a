// Package llm defines the external LLM client capability and the three
// execution classes the Orchestrator dispatches by model id: the
// reserved stub-model deterministic executor, a claude- prefixed mock
// provider, and any other id routed to a real external Client.
package llm

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// Response is what a provider reports back for one generation.
type Response struct {
	OutputText       string
	PromptTokens     uint64
	CompletionTokens uint64
}

// Client is the external capability boundary for real LLM providers;
// the engine only ever depends on this interface.
type Client interface {
	Generate(ctx context.Context, modelID, prompt string) (Response, error)
}

// StubModelID is the reserved deterministic local executor's model id.
const StubModelID = "stub-model"

// ClaudePrefix marks a model id as routed to the mock provider when
// network is allowed.
const ClaudePrefix = "claude-"

// Class classifies a model id into one of the three execution classes.
type Class int

const (
	ClassStub Class = iota
	ClassMock
	ClassReal
)

// Classify returns the execution class for modelID under networkAllowed.
func Classify(modelID string, networkAllowed bool) Class {
	if modelID == StubModelID {
		return ClassStub
	}
	if networkAllowed && len(modelID) >= len(ClaudePrefix) && modelID[:len(ClaudePrefix)] == ClaudePrefix {
		return ClassMock
	}
	return ClassReal
}

// RunStub is the reserved deterministic local executor:
// output_bytes = "hello" || seed_le || order_index_le || sha256_hex(prompt),
// hex-encoded. It is the substrate that makes replay byte-exact without
// any network dependency.
func RunStub(seed uint64, orderIndex int, prompt string) Response {
	var seedLE [8]byte
	binary.LittleEndian.PutUint64(seedLE[:], seed)

	var orderLE [8]byte
	binary.LittleEndian.PutUint64(orderLE[:], uint64(int64(orderIndex)))

	promptHash := sha256.Sum256([]byte(prompt))
	promptHashHex := hex.EncodeToString(promptHash[:])

	var buf []byte
	buf = append(buf, "hello"...)
	buf = append(buf, seedLE[:]...)
	buf = append(buf, orderLE[:]...)
	buf = append(buf, []byte(promptHashHex)...)

	return Response{OutputText: hex.EncodeToString(buf)}
}

// MockClaude is the deterministic mock provider for claude- prefixed
// model ids when network is allowed: a string parametrized by model and
// prompt, with no real network call.
type MockClaude struct{}

func (MockClaude) Generate(_ context.Context, modelID, prompt string) (Response, error) {
	promptHash := sha256.Sum256([]byte(prompt))
	text := fmt.Sprintf("[mock:%s] %s", modelID, hex.EncodeToString(promptHash[:8]))
	return Response{
		OutputText:       text,
		PromptTokens:     uint64(len(prompt)),
		CompletionTokens: uint64(len(text)),
	}, nil
}
