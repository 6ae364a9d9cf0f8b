package promptgen

import (
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"strings"

	"renderq/internal/workflowdef"
)

// Spec describes one fully built, ready-to-execute prompt graph.
type Spec struct {
	InputFile    string
	Graph        workflowdef.Graph
	SeedUsed     *int64
	OutputPrefix string
}

// Options carries run-level build settings that are not workflow parameters.
type Options struct {
	// PerFileParams overrides parameters for individual input files, keyed by
	// absolute path or base name. Overrides never leak across files.
	PerFileParams map[string]map[string]any
	// ComfyInputDir, when set, rewrites bound input paths relative to it so
	// the backend resolves them inside its own input directory.
	ComfyInputDir string
	// Resolution overrides every node pair already exposing width+height.
	Resolution *Resolution
	// FlipOrientation swaps width/height after any resolution override, so a
	// flip always wins.
	FlipOrientation bool
	// JobName seeds the output prefix when no output_prefix parameter is set.
	JobName string
}

// Build expands a definition plus resolved parameters into one Spec per
// (input file x try). It is a pure function of its arguments apart from seed
// generation; the cached definition template is never mutated.
func Build(def *workflowdef.Definition, inputFiles []string, params map[string]any, opts Options) ([]Spec, error) {
	resolved, err := ResolveParams(def, params)
	if err != nil {
		return nil, err
	}

	paths := inputFiles
	if len(paths) == 0 {
		// Input-less workflows still produce one spec per try.
		paths = []string{""}
	}

	tries := intParam(resolved, "tries", 1)
	if tries < 1 {
		tries = 1
	}
	// More than one try forces seed randomization even when the flag is off:
	// identical seeds would make the extra tries pointless.
	randomize := boolParam(resolved, "randomize_seed") || tries > 1
	flip := opts.FlipOrientation || boolParam(resolved, "flip_orientation")
	prefixBase := strings.TrimRight(textParam(resolved, "output_prefix"), "/")
	if prefixBase == "" {
		prefixBase = strings.TrimSpace(opts.JobName)
	}
	if prefixBase == "" {
		prefixBase = def.Name
	}

	specs := make([]Spec, 0, len(paths)*int(tries))
	for _, inputFile := range paths {
		effective := resolved
		if inputFile != "" {
			override := lookupOverride(opts.PerFileParams, inputFile)
			if override != nil {
				merged := make(map[string]any, len(params)+len(override))
				for k, v := range params {
					merged[k] = v
				}
				for k, v := range override {
					merged[k] = v
				}
				effective, err = ResolveParams(def, merged)
				if err != nil {
					return nil, fmt.Errorf("input %s: %w", inputFile, err)
				}
			}
		}

		for attempt := int64(1); attempt <= tries; attempt++ {
			graph := def.Template.Clone()
			if inputFile != "" {
				applyInputBinding(graph, def, backendInputPath(inputFile, opts.ComfyInputDir))
			}
			applyParams(graph, def, effective)
			applySwitchStates(graph, def)
			normalizeContextSchedule(graph)
			if opts.Resolution != nil {
				applyResolution(graph, opts.Resolution.Width, opts.Resolution.Height)
			}
			if flip {
				flipOrientation(graph)
			}
			seedUsed := applySeed(graph, def, effective, randomize)
			prefix := applyOutputPrefix(graph, def, prefixBase, outputStem(inputFile, tries, attempt))

			specs = append(specs, Spec{
				InputFile:    inputFile,
				Graph:        graph,
				SeedUsed:     seedUsed,
				OutputPrefix: prefix,
			})
		}
	}
	return specs, nil
}

func lookupOverride(perFile map[string]map[string]any, inputFile string) map[string]any {
	if len(perFile) == 0 {
		return nil
	}
	if override, ok := perFile[inputFile]; ok {
		return override
	}
	if override, ok := perFile[filepath.Base(inputFile)]; ok {
		return override
	}
	return nil
}

func backendInputPath(inputFile, comfyInputDir string) string {
	if comfyInputDir == "" {
		return inputFile
	}
	rel, err := filepath.Rel(comfyInputDir, inputFile)
	if err != nil || strings.HasPrefix(rel, "..") {
		return inputFile
	}
	return filepath.ToSlash(rel)
}

func outputStem(inputFile string, tries, attempt int64) string {
	stem := "prompt"
	if inputFile != "" {
		base := filepath.Base(inputFile)
		stem = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if tries == 1 {
		return stem
	}
	return fmt.Sprintf("%s_try%02d", stem, attempt)
}

// setCandidateField writes value into the preferred field, or the first
// candidate already present on the node, falling back to the first candidate.
func setCandidateField(inputs map[string]any, preferred string, candidates []string, value any) {
	if preferred != "" {
		inputs[preferred] = value
		return
	}
	for _, field := range candidates {
		if _, ok := inputs[field]; ok {
			inputs[field] = value
			return
		}
	}
	if len(candidates) > 0 {
		inputs[candidates[0]] = value
	}
}

func nodeInputs(graph workflowdef.Graph, id string) map[string]any {
	node, ok := graph[id]
	if !ok || node == nil {
		return nil
	}
	if node.Inputs == nil {
		node.Inputs = map[string]any{}
	}
	return node.Inputs
}

func applyInputBinding(graph workflowdef.Graph, def *workflowdef.Definition, inputPath string) {
	for _, role := range []string{workflowdef.BindingLoadImage, workflowdef.BindingLoadVideo, workflowdef.BindingInputFile} {
		binding, ok := def.FileBindings[role]
		if !ok {
			continue
		}
		for _, id := range binding.Nodes {
			if inputs := nodeInputs(graph, id); inputs != nil {
				setCandidateField(inputs, binding.Field, binding.Fields, inputPath)
			}
		}
	}
}

func applyParams(graph workflowdef.Graph, def *workflowdef.Definition, resolved map[string]any) {
	for _, param := range def.Parameters {
		if len(param.Nodes) == 0 {
			continue
		}
		value := resolved[param.Name]
		// LoRA loader nodes reject empty names even at zero strength, so a
		// blank extra-lora name keeps the template default.
		if s, ok := value.(string); ok && strings.TrimSpace(s) == "" &&
			strings.HasPrefix(param.Name, "extra_lora") && strings.HasSuffix(param.Name, "_name") {
			continue
		}
		for _, id := range param.Nodes {
			if inputs := nodeInputs(graph, id); inputs != nil {
				setCandidateField(inputs, param.Field, param.Fields, value)
			}
		}
	}

	gateExtraLoraSlots(graph, def, resolved)
	rechainExtraLoraModels(graph, def, resolved)
}

// extraSlotKey returns the parameter prefix for an extra LoRA slot. The first
// slot has no index suffix.
func extraSlotKey(idx int) string {
	if idx == 1 {
		return "extra_lora"
	}
	return fmt.Sprintf("extra_lora%d", idx)
}

// extraSlotActive reports whether an extra LoRA slot is in play: it must be
// explicitly enabled and carry both a high and a low model name.
func extraSlotActive(resolved map[string]any, idx int) bool {
	base := extraSlotKey(idx)
	if !boolParam(resolved, base+"_enabled") {
		return false
	}
	high := strings.TrimSpace(textParam(resolved, base+"_high_name"))
	low := strings.TrimSpace(textParam(resolved, base+"_low_name"))
	return high != "" && low != ""
}

// gateExtraLoraSlots forces the strength parameters of inactive extra LoRA
// slots to zero, so a slot left disabled or half-named never contributes a
// template strength.
func gateExtraLoraSlots(graph workflowdef.Graph, def *workflowdef.Definition, resolved map[string]any) {
	for idx := 1; idx <= 3; idx++ {
		if extraSlotActive(resolved, idx) {
			continue
		}
		base := extraSlotKey(idx)
		for _, name := range []string{base + "_strength_high", base + "_strength_low", base + "_strength"} {
			param, ok := def.Param(name)
			if !ok || len(param.Nodes) == 0 {
				continue
			}
			for _, id := range param.Nodes {
				if inputs := nodeInputs(graph, id); inputs != nil {
					setCandidateField(inputs, param.Field, param.Fields, 0.0)
				}
			}
		}
	}
}

// rechainExtraLoraModels rewires the wan-context-lite-2stage model chain so
// each sampler reads from the highest active extra LoRA slot, or straight
// from the base LoRA nodes when no slot is active. Node ids match that
// workflow's template.
func rechainExtraLoraModels(graph workflowdef.Graph, def *workflowdef.Definition, resolved map[string]any) {
	if def.Name != "wan-context-lite-2stage" {
		return
	}
	chain := func(nodeID, srcID string) {
		if inputs := nodeInputs(graph, nodeID); inputs != nil {
			inputs["model"] = []any{srcID, 0}
		}
	}
	slot1 := extraSlotActive(resolved, 1)
	slot2 := extraSlotActive(resolved, 2)

	// Slot 1 always chains from the base 4-step LoRA nodes.
	chain("201", "101")
	chain("202", "102")

	if slot1 {
		chain("211", "201")
		chain("212", "202")
	} else {
		chain("211", "101")
		chain("212", "102")
	}

	switch {
	case slot2:
		chain("104", "211")
		chain("103", "212")
	case slot1:
		chain("104", "201")
		chain("103", "202")
	default:
		chain("104", "101")
		chain("103", "102")
	}
}

func applySwitchStates(graph workflowdef.Graph, def *workflowdef.Definition) {
	for _, sw := range def.SwitchStates {
		if inputs := nodeInputs(graph, sw.Node); inputs != nil {
			inputs[sw.Field] = sw.Value
		}
	}
}

// normalizeContextSchedule rewrites a schedule value renamed upstream in the
// WanContextWindowsManual node so older templates keep loading.
func normalizeContextSchedule(graph workflowdef.Graph) {
	for _, node := range graph {
		if node == nil || node.ClassType != "WanContextWindowsManual" || node.Inputs == nil {
			continue
		}
		if v, ok := node.Inputs["context_schedule"].(string); ok && v == "uniform_standard" {
			node.Inputs["context_schedule"] = "standard_uniform"
		}
	}
}

func applyResolution(graph workflowdef.Graph, width, height int) {
	for _, node := range graph {
		if node == nil || node.Inputs == nil {
			continue
		}
		if !hasNumericPair(node.Inputs) {
			continue
		}
		node.Inputs["width"] = width
		node.Inputs["height"] = height
	}
}

func flipOrientation(graph workflowdef.Graph) {
	for _, node := range graph {
		if node == nil || node.Inputs == nil {
			continue
		}
		if !hasNumericPair(node.Inputs) {
			continue
		}
		node.Inputs["width"], node.Inputs["height"] = node.Inputs["height"], node.Inputs["width"]
	}
}

func hasNumericPair(inputs map[string]any) bool {
	return isNumeric(inputs["width"]) && isNumeric(inputs["height"])
}

func isNumeric(v any) bool {
	switch v.(type) {
	case int, int64, float32, float64:
		return true
	default:
		return false
	}
}

func applySeed(graph workflowdef.Graph, def *workflowdef.Definition, resolved map[string]any, randomize bool) *int64 {
	if !randomize {
		if seed, ok := resolved["seed"].(int64); ok {
			return &seed
		}
		return nil
	}
	binding, ok := def.FileBindings[workflowdef.BindingSeed]
	if !ok {
		return nil
	}

	seed := rand.Int64N(1<<63 - 1)
	for _, id := range binding.Nodes {
		inputs := nodeInputs(graph, id)
		if inputs == nil {
			continue
		}
		if len(binding.Fields) > 0 {
			for _, field := range binding.Fields {
				if _, present := inputs[field]; present {
					inputs[field] = seed
				}
			}
		} else if binding.Field != "" {
			inputs[binding.Field] = seed
		}
	}
	return &seed
}

func applyOutputPrefix(graph workflowdef.Graph, def *workflowdef.Definition, base, stem string) string {
	binding, ok := def.FileBindings[workflowdef.BindingOutputPrefix]
	if !ok {
		return stem
	}
	final := stem
	if base != "" {
		final = base + "/" + stem
	}
	for _, id := range binding.Nodes {
		if inputs := nodeInputs(graph, id); inputs != nil {
			setCandidateField(inputs, binding.Field, binding.Fields, final)
		}
	}
	return final
}
