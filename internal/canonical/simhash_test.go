package canonical

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSemanticDigest_Deterministic(t *testing.T) {
	a := SemanticDigest("Alpha beta gamma delta epsilon.")
	b := SemanticDigest("Alpha beta gamma delta epsilon.")
	require.Equal(t, a, b)
}

func TestSemanticDigest_SimilarTextSmallDistance(t *testing.T) {
	a := SemanticDigest("the quick brown fox jumps over the lazy dog")
	b := SemanticDigest("the quick brown fox jumps over the lazy cat")
	d := Hamming(a, b)
	require.Less(t, d, 20)
}

func TestHamming_Zero(t *testing.T) {
	a := SemanticDigest("identical text identical text")
	require.Equal(t, 0, Hamming(a, a))
}

func TestHamming_Bounds(t *testing.T) {
	a := SemanticDigest("some short text here")
	b := SemanticDigest("completely different words entirely elsewhere")
	d := Hamming(a, b)
	require.GreaterOrEqual(t, d, 0)
	require.LessOrEqual(t, d, 64)
}
