// Package config carries the engine's host-supplied configuration: the
// data root, database file, catalog location, and default policy values.
// The engine is a library and reads no environment variables — the
// embedding process populates the struct and hands it over.
package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/proofworks/verihelm/internal/catalog"
	"github.com/proofworks/verihelm/internal/model"
)

// Config holds engine configuration.
type Config struct {
	// DataRoot is the directory holding the attachment store.
	DataRoot string
	// DatabaseFile is the SQLite database path (":memory:" for tests).
	DatabaseFile string
	// ConfigDir is the directory searched for model_catalog.<ext>.
	ConfigDir string
	// CatalogPublicKey is the hex-encoded Ed25519 key the catalog
	// signature is verified against.
	CatalogPublicKey string
	// DefaultPolicy seeds revision 1 for projects that never set one.
	DefaultPolicy model.Policy
}

// Validate reports the first missing required field.
func (c Config) Validate() error {
	if c.DataRoot == "" {
		return fmt.Errorf("config: DataRoot is required")
	}
	if c.DatabaseFile == "" {
		return fmt.Errorf("config: DatabaseFile is required")
	}
	if c.ConfigDir == "" {
		return fmt.Errorf("config: ConfigDir is required")
	}
	if _, err := c.catalogKey(); err != nil {
		return err
	}
	return nil
}

func (c Config) catalogKey() (ed25519.PublicKey, error) {
	key, err := hex.DecodeString(c.CatalogPublicKey)
	if err != nil || len(key) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("config: CatalogPublicKey must be %d hex-encoded bytes", ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(key), nil
}

// catalogExtensions maps recognized catalog file extensions to their
// parse format, in resolution order.
var catalogExtensions = []struct {
	ext    string
	format catalog.Format
}{
	{".json", catalog.FormatJSON},
	{".yaml", catalog.FormatYAML},
	{".yml", catalog.FormatYAML},
}

// ResolveCatalogPath finds model_catalog.<ext> under dir, preferring JSON
// over YAML when both exist.
func ResolveCatalogPath(dir string) (string, catalog.Format, error) {
	for _, c := range catalogExtensions {
		path := filepath.Join(dir, "model_catalog"+c.ext)
		if _, err := os.Stat(path); err == nil {
			return path, c.format, nil
		}
	}
	return "", "", fmt.Errorf("config: no model_catalog.{json,yaml,yml} under %s", dir)
}

// LoadCatalog resolves and loads the signed catalog named by c. Per the
// catalog's degraded-fallback contract, a verification failure still
// returns a usable (fallback) catalog alongside the error, so the caller
// may log and continue with receipts flagged.
func (c Config) LoadCatalog() (*catalog.Catalog, error) {
	key, err := c.catalogKey()
	if err != nil {
		return catalog.Fallback(), err
	}
	path, format, err := ResolveCatalogPath(c.ConfigDir)
	if err != nil {
		return catalog.Fallback(), err
	}
	doc, err := os.ReadFile(path)
	if err != nil {
		return catalog.Fallback(), fmt.Errorf("config: read catalog: %w", err)
	}
	return catalog.Load(doc, format, key)
}
