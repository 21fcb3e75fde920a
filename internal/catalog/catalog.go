// Package catalog loads, verifies, and serves the signed model catalog:
// the authoritative pricing and energy metadata consumed by governance
// and stamped into every receipt. The catalog file may be authored as
// JSON or YAML; either way the body is schema-checked, canonicalized
// with the signature block removed, and Ed25519-verified against a
// trusted key before any rate is served.
package catalog

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/proofworks/verihelm/internal/canonical"
	"github.com/proofworks/verihelm/internal/model"
)

// Format is the on-disk encoding of the catalog document.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FallbackVersion is the version stamped on the degraded in-memory catalog
// used when signature verification fails.
const FallbackVersion = "0.0.0-fallback"

// Catalog is the process-wide, load-once, read-many Signed Model Catalog.
type Catalog struct {
	body      model.CatalogBody
	canonHash string
	semver    *semver.Version
	degraded  bool
}

// bodySchemaJSON is a lightweight structural check applied before
// signature verification, catching malformed catalogs with a precise
// field path instead of a bare unmarshal error.
const bodySchemaJSON = `{
  "type": "object",
  "required": ["version", "models", "nature_cost_algorithm"],
  "properties": {
    "version": {"type": "string"},
    "models": {"type": "array"},
    "nature_cost_algorithm": {"type": "string", "enum": ["simple", "energy_based", "detailed"]}
  }
}`

var schema = mustCompileSchema(bodySchemaJSON)

func mustCompileSchema(src string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("catalog.json", newJSONReader(src)); err != nil {
		panic(err)
	}
	s, err := compiler.Compile("catalog.json")
	if err != nil {
		panic(err)
	}
	return s
}

// Load parses doc (in the given format), validates its shape, verifies
// its Ed25519 signature against trustedPubKey, and returns a Catalog. On
// signature failure it returns a degraded fallback catalog and a non-nil
// error the caller should log; continuing with the fallback is permitted
// and flags every receipt built in the session.
func Load(doc []byte, format Format, trustedPubKey ed25519.PublicKey) (*Catalog, error) {
	var signed model.SignedCatalogDocument
	var rawBodyForSchema any

	switch format {
	case FormatJSON:
		if err := json.Unmarshal(doc, &signed); err != nil {
			return Fallback(), fmt.Errorf("catalog: parse json: %w", err)
		}
		if err := json.Unmarshal(doc, &rawBodyForSchema); err != nil {
			return Fallback(), fmt.Errorf("catalog: reparse json: %w", err)
		}
	case FormatYAML:
		if err := yaml.Unmarshal(doc, &signed); err != nil {
			return Fallback(), fmt.Errorf("catalog: parse yaml: %w", err)
		}
		asJSON, err := yamlToJSON(doc)
		if err != nil {
			return Fallback(), fmt.Errorf("catalog: yaml to json: %w", err)
		}
		if err := json.Unmarshal(asJSON, &rawBodyForSchema); err != nil {
			return Fallback(), fmt.Errorf("catalog: reparse converted json: %w", err)
		}
	default:
		return Fallback(), fmt.Errorf("catalog: unknown format %q", format)
	}

	if err := schema.Validate(rawBodyForSchema); err != nil {
		return Fallback(), fmt.Errorf("catalog: schema validation: %w", err)
	}

	// Canonicalize the body with the signature block removed entirely,
	// not zeroed in place.
	canonicalBytes, err := canonical.JSON(signed.CatalogBody)
	if err != nil {
		return Fallback(), fmt.Errorf("catalog: canonicalize body: %w", err)
	}
	hash := canonical.Sha256Hex(canonicalBytes)

	sigBytes, err := hex.DecodeString(signed.Signature.Signature)
	if err != nil {
		return Fallback(), fmt.Errorf("catalog: decode signature: %w", err)
	}
	if !ed25519.Verify(trustedPubKey, canonicalBytes, sigBytes) {
		return Fallback(), fmt.Errorf("catalog: signature verification failed")
	}

	v, err := semver.NewVersion(signed.CatalogBody.Version)
	if err != nil {
		return Fallback(), fmt.Errorf("catalog: invalid semver %q: %w", signed.CatalogBody.Version, err)
	}

	return &Catalog{body: signed.CatalogBody, canonHash: hash, semver: v}, nil
}

// Fallback returns the minimal degraded catalog used when verification
// fails: no models, version "0.0.0-fallback", marked degraded so
// downstream receipts flag the session.
func Fallback() *Catalog {
	v, _ := semver.NewVersion(FallbackVersion)
	body := model.CatalogBody{
		Version:             FallbackVersion,
		NatureCostAlgorithm: model.AlgorithmSimple,
	}
	canonicalBytes, _ := canonical.JSON(body)
	return &Catalog{
		body:      body,
		canonHash: canonical.Sha256Hex(canonicalBytes),
		semver:    v,
		degraded:  true,
	}
}

func (c *Catalog) Version() string { return c.body.Version }

func (c *Catalog) Hash() string { return c.canonHash }

func (c *Catalog) Degraded() bool { return c.degraded }

func (c *Catalog) SemverValue() *semver.Version { return c.semver }

func (c *Catalog) Defaults() model.CatalogDefaults { return c.body.Defaults }

// NatureCostAlgorithm returns the catalog's declared nature-cost
// algorithm, used as the "estimator" stamped into a Receipt's policy_ref.
func (c *Catalog) NatureCostAlgorithm() model.NatureCostAlgorithm { return c.body.NatureCostAlgorithm }

// Lookup returns the named model, or nil if not present/enabled.
func (c *Catalog) Lookup(modelID string) *model.Model {
	for i := range c.body.Models {
		if c.body.Models[i].ID == modelID && c.body.Models[i].Enabled {
			return &c.body.Models[i]
		}
	}
	return nil
}

// CalculateUSDCost returns tokens priced at the model's
// cost_per_million_tokens rate.
func (c *Catalog) CalculateUSDCost(modelID string, tokens uint64) (float64, error) {
	m := c.Lookup(modelID)
	if m == nil {
		return 0, fmt.Errorf("catalog: unknown or disabled model %q", modelID)
	}
	return float64(tokens) * m.CostPerMillionTokens / 1e6, nil
}

// CalculateNatureCost dispatches to the catalog's declared nature-cost
// algorithm.
func (c *Catalog) CalculateNatureCost(modelID string, tokens uint64) (float64, error) {
	m := c.Lookup(modelID)
	if m == nil {
		return 0, fmt.Errorf("catalog: unknown or disabled model %q", modelID)
	}
	switch c.body.NatureCostAlgorithm {
	case model.AlgorithmSimple, "":
		return float64(tokens) * m.NatureCostPerMillionTokens / 1e6, nil
	case model.AlgorithmEnergyBased:
		energy, err := c.CalculateEnergyKwh(modelID, tokens)
		if err != nil {
			return 0, err
		}
		return energy * c.body.AlgorithmParams.GridCarbonIntensityGCO2PerKWh, nil
	case model.AlgorithmDetailed:
		energy, err := c.CalculateEnergyKwh(modelID, tokens)
		if err != nil {
			return 0, err
		}
		w := c.body.AlgorithmParams.Detailed
		if w == nil {
			return 0, fmt.Errorf("catalog: detailed algorithm missing weights")
		}
		return energy*w.EnergyWeight*w.PUE + energy*w.WaterWeight, nil
	default:
		return 0, fmt.Errorf("catalog: unknown nature cost algorithm %q", c.body.NatureCostAlgorithm)
	}
}

// CalculateEnergyKwh returns the energy consumption attributed to tokens
// for modelID, if the model declares an energy rate.
func (c *Catalog) CalculateEnergyKwh(modelID string, tokens uint64) (float64, error) {
	m := c.Lookup(modelID)
	if m == nil {
		return 0, fmt.Errorf("catalog: unknown or disabled model %q", modelID)
	}
	if m.EnergyKwhPerMillionTokens == nil {
		return 0, nil
	}
	return float64(tokens) * (*m.EnergyKwhPerMillionTokens) / 1e6, nil
}
