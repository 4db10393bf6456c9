package agent

import "github.com/roea-ai/reel/pkg/types"

// BuiltinKinds returns the default media agent kinds. They run on the
// simulated driver unless a YAML kind of the same name replaces them.
func BuiltinKinds() []*types.AgentKind {
	return []*types.AgentKind{
		{
			Name:         "asset-store",
			Description:  "Fetches and stores media assets",
			Capabilities: []string{"fetch_asset", "store_asset"},
			Requirement:  types.Requirement{CPU: 0.25, MemoryMB: 128, DiskMB: 1024},
			Driver:       "sim",
		},
		{
			Name:         "video-editor",
			Description:  "Cuts, assembles and renders video",
			Capabilities: []string{"cut", "apply_effects", "render"},
			Requirement:  types.Requirement{CPU: 2, MemoryMB: 2048, DiskMB: 4096},
			Dependencies: []string{"asset-store"},
			Driver:       "sim",
		},
		{
			Name:         "audio-cleaner",
			Description:  "Removes noise and normalizes audio tracks",
			Capabilities: []string{"denoise", "normalize"},
			Requirement:  types.Requirement{CPU: 1, MemoryMB: 512, DiskMB: 1024},
			Dependencies: []string{"asset-store"},
			Driver:       "sim",
		},
		{
			Name:         "transcriber",
			Description:  "Produces transcripts and subtitles",
			Capabilities: []string{"transcribe", "translate"},
			Requirement:  types.Requirement{CPU: 1, MemoryMB: 1024, DiskMB: 256},
			Dependencies: []string{"audio-cleaner"},
			Driver:       "sim",
		},
		{
			Name:         "thumbnail-maker",
			Description:  "Extracts and renders thumbnails",
			Capabilities: []string{"generate_thumbnail"},
			Requirement:  types.Requirement{CPU: 0.5, MemoryMB: 256, DiskMB: 128},
			Dependencies: []string{"asset-store"},
			Driver:       "sim",
		},
		{
			Name:         "social-publisher",
			Description:  "Publishes finished media to social platforms",
			Capabilities: []string{"publish", "schedule"},
			Requirement:  types.Requirement{CPU: 0.25, MemoryMB: 128},
			Dependencies: []string{"asset-store"},
			Driver:       "sim",
		},
	}
}
