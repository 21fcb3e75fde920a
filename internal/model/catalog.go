package model

// NatureCostAlgorithm selects how Model.calculate_nature_cost is derived.
type NatureCostAlgorithm string

const (
	AlgorithmSimple      NatureCostAlgorithm = "simple"
	AlgorithmEnergyBased NatureCostAlgorithm = "energy_based"
	AlgorithmDetailed    NatureCostAlgorithm = "detailed"
)

// Model is one entry in the Signed Model Catalog.
type Model struct {
	ID                         string   `json:"id" yaml:"id"`
	Provider                   string   `json:"provider" yaml:"provider"`
	DisplayName                string   `json:"display_name" yaml:"display_name"`
	CostPerMillionTokens       float64  `json:"cost_per_million_tokens" yaml:"cost_per_million_tokens"`
	NatureCostPerMillionTokens float64  `json:"nature_cost_per_million_tokens" yaml:"nature_cost_per_million_tokens"`
	EnergyKwhPerMillionTokens  *float64 `json:"energy_kwh_per_million_tokens,omitempty" yaml:"energy_kwh_per_million_tokens,omitempty"`
	Enabled                    bool     `json:"enabled" yaml:"enabled"`
}

// DetailedWeights parametrizes the "detailed" nature-cost algorithm.
type DetailedWeights struct {
	EnergyWeight float64 `json:"energy_weight" yaml:"energy_weight"`
	WaterWeight  float64 `json:"water_weight" yaml:"water_weight"`
	PUE          float64 `json:"pue" yaml:"pue"`
}

// AlgorithmParams carries the parameters needed by whichever
// NatureCostAlgorithm the catalog declares.
type AlgorithmParams struct {
	GridCarbonIntensityGCO2PerKWh float64          `json:"grid_carbon_intensity_g_co2_per_kwh,omitempty" yaml:"grid_carbon_intensity_g_co2_per_kwh,omitempty"`
	Detailed                      *DetailedWeights `json:"detailed,omitempty" yaml:"detailed,omitempty"`
}

// CatalogDefaults hold fallback values applied when a Step omits them.
type CatalogDefaults struct {
	TokenBudget uint64  `json:"token_budget" yaml:"token_budget"`
	Epsilon     float64 `json:"epsilon" yaml:"epsilon"`
}

// CatalogMetadata is free-form descriptive metadata about the catalog.
type CatalogMetadata struct {
	Publisher   string `json:"publisher,omitempty" yaml:"publisher,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// CatalogSignature is the signature block over the canonicalized body.
// The body is the catalog document with this field removed entirely,
// not zeroed in place.
type CatalogSignature struct {
	Algorithm string `json:"algorithm" yaml:"algorithm"`
	PublicKey string `json:"public_key" yaml:"public_key"`
	Signature string `json:"signature" yaml:"signature"`
}

// CatalogBody is the Model Catalog document, minus its own signature.
type CatalogBody struct {
	Version             string              `json:"version" yaml:"version"`
	Metadata            CatalogMetadata     `json:"metadata" yaml:"metadata"`
	Defaults            CatalogDefaults     `json:"defaults" yaml:"defaults"`
	Models              []Model             `json:"models" yaml:"models"`
	NatureCostAlgorithm NatureCostAlgorithm `json:"nature_cost_algorithm" yaml:"nature_cost_algorithm"`
	AlgorithmParams     AlgorithmParams     `json:"algorithm_params" yaml:"algorithm_params"`
}

// SignedCatalogDocument is CatalogBody plus its detached signature, the
// on-disk representation at config/model_catalog.<ext>.
type SignedCatalogDocument struct {
	CatalogBody `yaml:",inline"`
	Signature   CatalogSignature `json:"signature" yaml:"signature"`
}
