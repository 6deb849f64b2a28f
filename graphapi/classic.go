package graphapi

const (
	classicCFG       = 7.0
	classicSampler   = "euler"
	classicScheduler = "normal"
	fullDenoise      = 1.0
)

// ClassicShape is the KSampler graph used by sdxl and sd15 checkpoints:
// checkpoint -> positive/negative CLIPTextEncode -> KSampler -> VAEDecode -> SaveImage.
// A non-zero MaxSide clamps width and height.
type ClassicShape struct {
	MaxSide int
}

func (s ClassicShape) Nodes(model Model, p Params) map[string]PromptNode {
	return map[string]PromptNode{
		"4": {
			ClassType: "CheckpointLoaderSimple",
			Inputs: map[string]interface{}{
				"ckpt_name": model.ID,
			},
		},
		"5": {
			ClassType: "EmptyLatentImage",
			Inputs: map[string]interface{}{
				"width":      clampSide(p.Width, s.MaxSide),
				"height":     clampSide(p.Height, s.MaxSide),
				"batch_size": 1,
			},
		},
		"6": {
			ClassType: "CLIPTextEncode",
			Inputs: map[string]interface{}{
				"text": p.Prompt,
				"clip": link("4", 1),
			},
		},
		"7": {
			ClassType: "CLIPTextEncode",
			Inputs: map[string]interface{}{
				"text": p.NegativePrompt,
				"clip": link("4", 1),
			},
		},
		"3": {
			ClassType: "KSampler",
			Inputs: map[string]interface{}{
				"seed":         p.Seed,
				"steps":        p.Steps,
				"cfg":          classicCFG,
				"sampler_name": classicSampler,
				"scheduler":    classicScheduler,
				"denoise":      fullDenoise,
				"model":        link("4", 0),
				"positive":     link("6", 0),
				"negative":     link("7", 0),
				"latent_image": link("5", 0),
			},
		},
		"8": {
			ClassType: "VAEDecode",
			Inputs: map[string]interface{}{
				"samples": link("3", 0),
				"vae":     link("4", 2),
			},
		},
		"9": {
			ClassType: "SaveImage",
			Inputs: map[string]interface{}{
				"filename_prefix": saveImagePrefix,
				"images":          link("8", 0),
			},
		},
	}
}
