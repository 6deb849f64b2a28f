package graphapi

import (
	"encoding/json"
	"math/rand"
)

// LegacyMaxSide caps width and height for the sd15 family. Larger latents
// produce duplicated subjects on those checkpoints.
const LegacyMaxSide = 768

// seeds are drawn from [0, seedRange)
const seedRange int64 = 1 << 32

const saveImagePrefix = "comfypanel"

// Shape produces the node graph for one family of models. Params reaching a
// Shape already have their seed resolved.
type Shape interface {
	Nodes(model Model, p Params) map[string]PromptNode
}

// shapes is the closed set of supported graph shapes.
var shapes = map[Family]Shape{
	FamilySDXL: ClassicShape{},
	FamilySD15: ClassicShape{MaxSide: LegacyMaxSide},
	FamilyFlux: FluxShape{},
}

// ShapeFor returns the graph shape for a family. Unknown families get the
// classic sampler graph.
func ShapeFor(f Family) Shape {
	if s, ok := shapes[f]; ok {
		return s
	}
	return ClassicShape{}
}

// BuildPrompt resolves the seed and returns the prompt to enqueue for model.
// It never fails; inputs are assumed to be validated.
func BuildPrompt(model Model, p Params, clientID string) *Prompt {
	p.Seed = ResolveSeed(p.Seed)
	return &Prompt{
		ClientID: clientID,
		Nodes:    ShapeFor(model.Family).Nodes(model, p),
	}
}

// ResolveSeed returns seed unless it is the RandomSeed sentinel, in which case
// a new random seed is drawn.
func ResolveSeed(seed int64) int64 {
	if seed == RandomSeed {
		return rand.Int63n(seedRange)
	}
	return seed
}

// SeedOf returns the seed a prompt samples with, or -1 if it carries none.
// It reads built prompts as well as ones decoded from JSON.
func SeedOf(p *Prompt) int64 {
	for _, n := range p.Nodes {
		for _, key := range []string{"seed", "noise_seed"} {
			switch v := n.Inputs[key].(type) {
			case int64:
				return v
			case json.Number:
				if i, err := v.Int64(); err == nil {
					return i
				}
			case float64:
				return int64(v)
			}
		}
	}
	return -1
}

func clampSide(v int, limit int) int {
	if limit > 0 && v > limit {
		return limit
	}
	return v
}
