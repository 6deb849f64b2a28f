package graphapi

const (
	fluxGuidance  = 3.5
	fluxSampler   = "euler"
	fluxScheduler = "simple"
)

// FluxShape is the custom-sampler graph flux checkpoints need. Flux takes a
// single text conditioning scaled by FluxGuidance; there is no negative prompt.
type FluxShape struct{}

func (FluxShape) Nodes(model Model, p Params) map[string]PromptNode {
	return map[string]PromptNode{
		"1": {
			ClassType: "CheckpointLoaderSimple",
			Inputs: map[string]interface{}{
				"ckpt_name": model.ID,
			},
		},
		"2": {
			ClassType: "CLIPTextEncode",
			Inputs: map[string]interface{}{
				"text": p.Prompt,
				"clip": link("1", 1),
			},
		},
		"3": {
			ClassType: "FluxGuidance",
			Inputs: map[string]interface{}{
				"guidance":     fluxGuidance,
				"conditioning": link("2", 0),
			},
		},
		"4": {
			ClassType: "BasicGuider",
			Inputs: map[string]interface{}{
				"model":        link("1", 0),
				"conditioning": link("3", 0),
			},
		},
		"5": {
			ClassType: "RandomNoise",
			Inputs: map[string]interface{}{
				"noise_seed": p.Seed,
			},
		},
		"6": {
			ClassType: "KSamplerSelect",
			Inputs: map[string]interface{}{
				"sampler_name": fluxSampler,
			},
		},
		"7": {
			ClassType: "BasicScheduler",
			Inputs: map[string]interface{}{
				"scheduler": fluxScheduler,
				"steps":     p.Steps,
				"denoise":   fullDenoise,
				"model":     link("1", 0),
			},
		},
		"8": {
			ClassType: "EmptySD3LatentImage",
			Inputs: map[string]interface{}{
				"width":      p.Width,
				"height":     p.Height,
				"batch_size": 1,
			},
		},
		"9": {
			ClassType: "SamplerCustomAdvanced",
			Inputs: map[string]interface{}{
				"noise":        link("5", 0),
				"guider":       link("4", 0),
				"sampler":      link("6", 0),
				"sigmas":       link("7", 0),
				"latent_image": link("8", 0),
			},
		},
		"10": {
			ClassType: "VAEDecode",
			Inputs: map[string]interface{}{
				"samples": link("9", 0),
				"vae":     link("1", 2),
			},
		},
		"11": {
			ClassType: "SaveImage",
			Inputs: map[string]interface{}{
				"filename_prefix": saveImagePrefix,
				"images":          link("10", 0),
			},
		},
	}
}
