package llm

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	require.Equal(t, ClassStub, Classify("stub-model", false))
	require.Equal(t, ClassMock, Classify("claude-3-5-haiku", true))
	require.Equal(t, ClassReal, Classify("claude-3-5-haiku", false))
	require.Equal(t, ClassReal, Classify("gpt-4", true))
}

func TestRunStub_MatchesSpecScenario1(t *testing.T) {
	// seed 0x1, order_index 0, prompt "hello".
	resp := RunStub(1, 0, "hello")

	promptHash := sha256.Sum256([]byte("hello"))
	promptHashHex := hex.EncodeToString(promptHash[:])

	expected := "hello" +
		string([]byte{1, 0, 0, 0, 0, 0, 0, 0}) +
		string([]byte{0, 0, 0, 0, 0, 0, 0, 0}) +
		promptHashHex
	require.Equal(t, hex.EncodeToString([]byte(expected)), resp.OutputText)
}

func TestRunStub_Deterministic(t *testing.T) {
	a := RunStub(42, 3, "some prompt")
	b := RunStub(42, 3, "some prompt")
	require.Equal(t, a, b)
}

func TestRunStub_DiffersByInputs(t *testing.T) {
	a := RunStub(1, 0, "x")
	b := RunStub(2, 0, "x")
	require.NotEqual(t, a.OutputText, b.OutputText)
}

func TestMockClaude_Deterministic(t *testing.T) {
	m := MockClaude{}
	r1, err := m.Generate(nil, "claude-3", "prompt")
	require.NoError(t, err)
	r2, err := m.Generate(nil, "claude-3", "prompt")
	require.NoError(t, err)
	require.Equal(t, r1, r2)
}
