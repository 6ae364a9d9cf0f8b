package promptgen

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Resolution is a width/height override applied to every node pair that
// already exposes numeric width+height inputs.
type Resolution struct {
	ID     string
	Label  string
	Width  int
	Height int
}

// ErrPresetNotFound indicates an unknown resolution preset id.
var ErrPresetNotFound = errors.New("resolution preset not found")

var resolutionPresets = []Resolution{
	{ID: "384x672", Label: "384 x 672", Width: 384, Height: 672},
	{ID: "480x848", Label: "480 x 848", Width: 480, Height: 848},
	{ID: "576x1024", Label: "576 x 1024", Width: 576, Height: 1024},
	{ID: "640x1136", Label: "640 x 1136", Width: 640, Height: 1136},
	{ID: "768x1360", Label: "768 x 1360", Width: 768, Height: 1360},
}

// Presets returns the ordered resolution preset table.
func Presets() []Resolution {
	out := make([]Resolution, len(resolutionPresets))
	copy(out, resolutionPresets)
	return out
}

// ResolvePreset maps a preset id to its Resolution. An empty id means no
// override and returns nil.
func ResolvePreset(id string) (*Resolution, error) {
	key := strings.TrimSpace(id)
	if key == "" {
		return nil, nil
	}
	for _, preset := range resolutionPresets {
		if preset.ID == key {
			p := preset
			return &p, nil
		}
	}
	ids := make([]string, 0, len(resolutionPresets))
	for _, preset := range resolutionPresets {
		ids = append(ids, preset.ID)
	}
	sort.Strings(ids)
	return nil, fmt.Errorf("%w: %q, expected one of: %s", ErrPresetNotFound, key, strings.Join(ids, ", "))
}
