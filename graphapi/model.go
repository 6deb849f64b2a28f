package graphapi

// Family identifies the node graph shape a model needs.
type Family string

const (
	FamilySDXL Family = "sdxl"
	FamilyFlux Family = "flux"
	FamilySD15 Family = "sd15"
)

// Valid reports whether f is one of the known families.
func (f Family) Valid() bool {
	switch f {
	case FamilySDXL, FamilyFlux, FamilySD15:
		return true
	}
	return false
}

// Model describes a checkpoint the backend can load.
type Model struct {
	ID     string `json:"id" yaml:"id"` // checkpoint file name, e.g. "sd_xl_base_1.0.safetensors"
	Name   string `json:"name" yaml:"name"`
	Family Family `json:"family" yaml:"family"`
}

// RandomSeed asks the builder to pick a fresh seed each time a prompt is built.
const RandomSeed int64 = -1

// Params are the user-editable generation settings.
type Params struct {
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt"`
	Width          int    `json:"width" validate:"min=64,max=4096"`
	Height         int    `json:"height" validate:"min=64,max=4096"`
	Steps          int    `json:"steps" validate:"min=1,max=150"`
	Seed           int64  `json:"seed" validate:"min=-1"`
}

// DefaultParams returns the settings the panel form starts with.
func DefaultParams() Params {
	return Params{
		Width:  1024,
		Height: 1024,
		Steps:  20,
		Seed:   RandomSeed,
	}
}

// DefaultModels is the catalog used when the configuration does not list any.
func DefaultModels() []Model {
	return []Model{
		{ID: "sd_xl_base_1.0.safetensors", Name: "SDXL Base 1.0", Family: FamilySDXL},
		{ID: "flux1-dev-fp8.safetensors", Name: "FLUX.1 Dev (fp8)", Family: FamilyFlux},
		{ID: "v1-5-pruned-emaonly.safetensors", Name: "Stable Diffusion 1.5", Family: FamilySD15},
	}
}
