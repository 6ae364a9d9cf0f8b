package workflowdef

// Node is a single ComfyUI graph node.
type Node struct {
	ClassType string         `json:"class_type,omitempty"`
	Inputs    map[string]any `json:"inputs,omitempty"`
	Meta      map[string]any `json:"_meta,omitempty"`
}

// Graph is a ComfyUI prompt graph keyed by node id. It is both the template
// shape stored on a Definition and the executable payload sent to the backend.
type Graph map[string]*Node

// Clone returns a deep copy of the graph. Builders always clone before
// mutating so cached definitions stay untouched.
func (g Graph) Clone() Graph {
	if g == nil {
		return nil
	}
	out := make(Graph, len(g))
	for id, node := range g {
		if node == nil {
			out[id] = nil
			continue
		}
		out[id] = &Node{
			ClassType: node.ClassType,
			Inputs:    deepCopyMap(node.Inputs),
			Meta:      deepCopyMap(node.Meta),
		}
	}
	return out
}

// HasResolutionPair reports whether any node exposes a numeric width+height
// input pair, which is what resolution overrides operate on.
func (g Graph) HasResolutionPair() bool {
	for _, node := range g {
		if node == nil {
			continue
		}
		if _, _, ok := numericPair(node.Inputs, "width", "height"); ok {
			return true
		}
	}
	return false
}

func numericPair(inputs map[string]any, a, b string) (float64, float64, bool) {
	av, ok := numericValue(inputs[a])
	if !ok {
		return 0, 0, false
	}
	bv, ok := numericValue(inputs[b])
	if !ok {
		return 0, 0, false
	}
	return av, bv, true
}

func numericValue(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	default:
		// bools deliberately excluded: they unmarshal distinctly in Go,
		// but guard anyway for values produced by generic decoders.
		return 0, false
	}
}

func deepCopyMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return val
	}
}
