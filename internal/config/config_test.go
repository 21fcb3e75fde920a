package config

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/proofworks/verihelm/internal/canonical"
	"github.com/proofworks/verihelm/internal/catalog"
	"github.com/proofworks/verihelm/internal/model"
)

func writeSignedCatalog(t *testing.T, dir, name string) string {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	body := model.CatalogBody{
		Version:             "2.1.0",
		Models:              []model.Model{{ID: "stub-model", Provider: "internal", Enabled: true}},
		NatureCostAlgorithm: model.AlgorithmSimple,
	}
	canonBytes, err := canonical.JSON(body)
	require.NoError(t, err)
	sig := ed25519.Sign(priv, canonBytes)
	doc := model.SignedCatalogDocument{
		CatalogBody: body,
		Signature: model.CatalogSignature{
			Algorithm: "ed25519", PublicKey: hex.EncodeToString(pub), Signature: hex.EncodeToString(sig),
		},
	}
	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), raw, 0o644))
	return hex.EncodeToString(pub)
}

func TestValidate_RequiresEveryField(t *testing.T) {
	cfg := Config{}
	require.Error(t, cfg.Validate())

	cfg.DataRoot = t.TempDir()
	require.Error(t, cfg.Validate())

	cfg.DatabaseFile = ":memory:"
	require.Error(t, cfg.Validate())

	cfg.ConfigDir = t.TempDir()
	require.Error(t, cfg.Validate()) // key still missing

	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	cfg.CatalogPublicKey = hex.EncodeToString(pub)
	require.NoError(t, cfg.Validate())
}

func TestResolveCatalogPath_PrefersJSON(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "model_catalog.yaml"), []byte("version: 1"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "model_catalog.json"), []byte("{}"), 0o644))

	path, format, err := ResolveCatalogPath(dir)
	require.NoError(t, err)
	require.Equal(t, catalog.FormatJSON, format)
	require.Equal(t, filepath.Join(dir, "model_catalog.json"), path)
}

func TestResolveCatalogPath_MissingIsError(t *testing.T) {
	_, _, err := ResolveCatalogPath(t.TempDir())
	require.Error(t, err)
}

func TestLoadCatalog_VerifiedDocument(t *testing.T) {
	dir := t.TempDir()
	pubHex := writeSignedCatalog(t, dir, "model_catalog.json")

	cfg := Config{
		DataRoot:         t.TempDir(),
		DatabaseFile:     ":memory:",
		ConfigDir:        dir,
		CatalogPublicKey: pubHex,
	}
	cat, err := cfg.LoadCatalog()
	require.NoError(t, err)
	require.Equal(t, "2.1.0", cat.Version())
	require.False(t, cat.Degraded())
}

func TestLoadCatalog_WrongKeyFallsBack(t *testing.T) {
	dir := t.TempDir()
	writeSignedCatalog(t, dir, "model_catalog.json")

	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	cfg := Config{
		DataRoot:         t.TempDir(),
		DatabaseFile:     ":memory:",
		ConfigDir:        dir,
		CatalogPublicKey: hex.EncodeToString(otherPub),
	}
	cat, err := cfg.LoadCatalog()
	require.Error(t, err)
	require.True(t, cat.Degraded())
	require.Equal(t, catalog.FallbackVersion, cat.Version())
}
