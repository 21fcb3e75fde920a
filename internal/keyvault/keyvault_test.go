package keyvault

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMintAndSignRoundTrip(t *testing.T) {
	v := New(NewMemoryStore())

	pubHex, err := v.MintProjectKey("proj-1")
	require.NoError(t, err)
	require.NotEmpty(t, pubHex)

	sig, err := v.Sign("proj-1", []byte("payload"))
	require.NoError(t, err)
	require.True(t, Verify(pubHex, "payload", sig))
	require.False(t, Verify(pubHex, "tampered", sig))
}

func TestSign_UnknownProjectFails(t *testing.T) {
	v := New(NewMemoryStore())
	_, err := v.Sign("missing", []byte("x"))
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestMintProjectKey_DerivedFromMaster(t *testing.T) {
	// Two vaults sharing one secret store derive identical project keys,
	// since both route through the same persisted master key.
	store := NewMemoryStore()

	pub1, err := New(store).MintProjectKey("proj-1")
	require.NoError(t, err)
	pub2, err := New(store).MintProjectKey("proj-1")
	require.NoError(t, err)
	require.Equal(t, pub1, pub2)

	other, err := New(store).MintProjectKey("proj-2")
	require.NoError(t, err)
	require.NotEqual(t, pub1, other)

	// A different master yields different keys for the same project id.
	foreign, err := New(NewMemoryStore()).MintProjectKey("proj-1")
	require.NoError(t, err)
	require.NotEqual(t, pub1, foreign)
}

func TestDeriveSubkey_Deterministic(t *testing.T) {
	v := New(NewMemoryStore())
	_, err := v.MintProjectKey("master")
	require.NoError(t, err)

	store := v.store.(*MemoryStore)
	master, err := store.Get("master")
	require.NoError(t, err)

	pub1, priv1, err := DeriveSubkey(master, "scope-a")
	require.NoError(t, err)
	pub2, priv2, err := DeriveSubkey(master, "scope-a")
	require.NoError(t, err)
	require.Equal(t, pub1, pub2)
	require.Equal(t, priv1, priv2)

	pub3, _, err := DeriveSubkey(master, "scope-b")
	require.NoError(t, err)
	require.NotEqual(t, pub1, pub3)
}
