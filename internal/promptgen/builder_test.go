package promptgen_test

import (
	"errors"
	"strings"
	"testing"

	"renderq/internal/promptgen"
	"renderq/internal/workflowdef"
)

func floatPtr(v float64) *float64 { return &v }

func testDefinition() *workflowdef.Definition {
	return &workflowdef.Definition{
		Name:        "img2img",
		DisplayName: "Image to Image",
		InputType:   workflowdef.InputImage,
		FileBindings: map[string]workflowdef.NodeBinding{
			workflowdef.BindingLoadImage:    {Nodes: []string{"1"}, Field: "image"},
			workflowdef.BindingSeed:         {Nodes: []string{"3"}, Field: "seed"},
			workflowdef.BindingOutputPrefix: {Nodes: []string{"4"}, Field: "filename_prefix"},
		},
		Parameters: []workflowdef.ParamDef{
			{Name: "prompt", Type: workflowdef.ParamText, Default: "", Nodes: []string{"2"}, Field: "text"},
			{Name: "steps", Type: workflowdef.ParamInt, Default: int64(20), Min: floatPtr(1), Max: floatPtr(50), Nodes: []string{"3"}, Field: "steps"},
			{Name: "cfg", Type: workflowdef.ParamFloat, Default: 7.5, Min: floatPtr(1), Max: floatPtr(20), Nodes: []string{"3"}, Field: "cfg"},
			{Name: "seed", Type: workflowdef.ParamInt, Default: int64(42)},
			{Name: "tries", Type: workflowdef.ParamInt, Default: int64(1)},
			{Name: "randomize_seed", Type: workflowdef.ParamBool, Default: false},
		},
		Template: workflowdef.Graph{
			"1": {ClassType: "LoadImage", Inputs: map[string]any{"image": ""}},
			"2": {ClassType: "CLIPTextEncode", Inputs: map[string]any{"text": ""}},
			"3": {ClassType: "KSampler", Inputs: map[string]any{"seed": int64(0), "steps": int64(20), "cfg": 7.5}},
			"4": {ClassType: "SaveImage", Inputs: map[string]any{"filename_prefix": "out"}},
			"5": {ClassType: "EmptyLatentImage", Inputs: map[string]any{"width": int64(512), "height": int64(768)}},
		},
	}
}

func inputs(t *testing.T, spec promptgen.Spec, id string) map[string]any {
	t.Helper()
	node, ok := spec.Graph[id]
	if !ok || node == nil {
		t.Fatalf("node %s missing from built graph", id)
	}
	return node.Inputs
}

func TestBuildAppliesBindingsAndParams(t *testing.T) {
	def := testDefinition()
	specs, err := promptgen.Build(def, []string{"/inputs/photo.png"}, map[string]any{
		"prompt": "a lighthouse",
		"steps":  30,
	}, promptgen.Options{})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(specs) != 1 {
		t.Fatalf("expected 1 spec, got %d", len(specs))
	}

	spec := specs[0]
	if spec.InputFile != "/inputs/photo.png" {
		t.Fatalf("unexpected input file %q", spec.InputFile)
	}
	if got := inputs(t, spec, "1")["image"]; got != "/inputs/photo.png" {
		t.Fatalf("input binding not applied, got %v", got)
	}
	if got := inputs(t, spec, "2")["text"]; got != "a lighthouse" {
		t.Fatalf("prompt not applied, got %v", got)
	}
	if got := inputs(t, spec, "3")["steps"]; got != int64(30) {
		t.Fatalf("steps not applied, got %v (%T)", got, got)
	}
	if got := inputs(t, spec, "3")["seed"]; got != int64(0) {
		t.Fatalf("fixed seed must leave template value, got %v", got)
	}
	if spec.SeedUsed == nil || *spec.SeedUsed != 42 {
		t.Fatalf("expected declared seed recorded, got %v", spec.SeedUsed)
	}
	if spec.OutputPrefix != "img2img/photo" {
		t.Fatalf("unexpected output prefix %q", spec.OutputPrefix)
	}
	if got := inputs(t, spec, "4")["filename_prefix"]; got != "img2img/photo" {
		t.Fatalf("output prefix not written, got %v", got)
	}
}

func TestBuildIsDeterministicExceptSeeds(t *testing.T) {
	def := testDefinition()
	params := map[string]any{"prompt": "same", "tries": 2}

	first, err := promptgen.Build(def, []string{"/inputs/a.png"}, params, promptgen.Options{})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	second, err := promptgen.Build(def, []string{"/inputs/a.png"}, params, promptgen.Options{})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	for i := range first {
		for id, node := range first[i].Graph {
			for field, value := range node.Inputs {
				if id == "3" && field == "seed" {
					continue
				}
				if got := second[i].Graph[id].Inputs[field]; got != value {
					t.Fatalf("spec %d node %s field %s differs: %v vs %v", i, id, field, value, got)
				}
			}
		}
		if first[i].OutputPrefix != second[i].OutputPrefix {
			t.Fatalf("output prefix differs: %q vs %q", first[i].OutputPrefix, second[i].OutputPrefix)
		}
	}
}

func TestBuildLeavesTemplateUntouched(t *testing.T) {
	def := testDefinition()
	if _, err := promptgen.Build(def, []string{"/inputs/a.png"}, map[string]any{"prompt": "mutate"}, promptgen.Options{}); err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if got := def.Template["2"].Inputs["text"]; got != "" {
		t.Fatalf("template mutated: %v", got)
	}
	if got := def.Template["1"].Inputs["image"]; got != "" {
		t.Fatalf("template mutated: %v", got)
	}
}

func TestBuildFansOutFilesAndTries(t *testing.T) {
	def := testDefinition()
	files := []string{"/inputs/a.png", "/inputs/b.png"}
	specs, err := promptgen.Build(def, files, map[string]any{"tries": 3}, promptgen.Options{})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(specs) != 6 {
		t.Fatalf("expected 2 files x 3 tries = 6 specs, got %d", len(specs))
	}

	// Build order is files outer, tries inner.
	for i, spec := range specs {
		wantFile := files[i/3]
		if spec.InputFile != wantFile {
			t.Fatalf("spec %d: expected input %q, got %q", i, wantFile, spec.InputFile)
		}
	}

	seeds := make(map[int64]struct{})
	for _, spec := range specs {
		if spec.SeedUsed == nil {
			t.Fatal("multiple tries must randomize seeds")
		}
		seeds[*spec.SeedUsed] = struct{}{}
		if got := inputs(t, spec, "3")["seed"]; got != *spec.SeedUsed {
			t.Fatalf("seed %d not written into graph, got %v", *spec.SeedUsed, got)
		}
	}
	if len(seeds) != 6 {
		t.Fatalf("expected distinct seeds, got %d unique of 6", len(seeds))
	}

	if specs[0].OutputPrefix != "img2img/a_try01" || specs[2].OutputPrefix != "img2img/a_try03" {
		t.Fatalf("expected try-suffixed prefixes, got %q and %q", specs[0].OutputPrefix, specs[2].OutputPrefix)
	}
}

func TestBuildPerFileOverrideStaysLocal(t *testing.T) {
	def := testDefinition()
	specs, err := promptgen.Build(def, []string{"/inputs/a.png", "/inputs/b.png"},
		map[string]any{"prompt": "shared"},
		promptgen.Options{PerFileParams: map[string]map[string]any{
			"a.png": {"prompt": "override"},
		}})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	byFile := make(map[string]string)
	for _, spec := range specs {
		text, _ := inputs(t, spec, "2")["text"].(string)
		byFile[spec.InputFile] = text
	}
	if byFile["/inputs/a.png"] != "override" {
		t.Fatalf("expected override for a.png, got %q", byFile["/inputs/a.png"])
	}
	if byFile["/inputs/b.png"] != "shared" {
		t.Fatalf("override leaked to b.png: %q", byFile["/inputs/b.png"])
	}
}

func TestBuildRewritesBackendRelativePaths(t *testing.T) {
	def := testDefinition()
	specs, err := promptgen.Build(def, []string{"/comfy/input/batch/photo.png"}, nil,
		promptgen.Options{ComfyInputDir: "/comfy/input"})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if got := inputs(t, specs[0], "1")["image"]; got != "batch/photo.png" {
		t.Fatalf("expected backend-relative path, got %v", got)
	}

	// Paths outside the backend input dir pass through untouched.
	specs, err = promptgen.Build(def, []string{"/elsewhere/photo.png"}, nil,
		promptgen.Options{ComfyInputDir: "/comfy/input"})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if got := inputs(t, specs[0], "1")["image"]; got != "/elsewhere/photo.png" {
		t.Fatalf("expected absolute path preserved, got %v", got)
	}
}

func TestBuildResolutionAndFlip(t *testing.T) {
	def := testDefinition()
	res, err := promptgen.ResolvePreset("480x848")
	if err != nil {
		t.Fatalf("ResolvePreset failed: %v", err)
	}

	specs, err := promptgen.Build(def, []string{"/inputs/a.png"}, nil, promptgen.Options{Resolution: res})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	latent := inputs(t, specs[0], "5")
	if latent["width"] != 480 || latent["height"] != 848 {
		t.Fatalf("resolution override not applied: %v", latent)
	}

	specs, err = promptgen.Build(def, []string{"/inputs/a.png"}, nil,
		promptgen.Options{Resolution: res, FlipOrientation: true})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	latent = inputs(t, specs[0], "5")
	if latent["width"] != 848 || latent["height"] != 480 {
		t.Fatalf("flip must apply after resolution: %v", latent)
	}

	// Nodes without a numeric pair are never touched.
	if got := inputs(t, specs[0], "3")["width"]; got != nil {
		t.Fatalf("unexpected width on sampler node: %v", got)
	}
}

func TestBuildInputlessWorkflow(t *testing.T) {
	def := testDefinition()
	def.InputType = workflowdef.InputNone
	delete(def.FileBindings, workflowdef.BindingLoadImage)

	specs, err := promptgen.Build(def, nil, map[string]any{"tries": 2}, promptgen.Options{JobName: "dream run"})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("expected one spec per try, got %d", len(specs))
	}
	if specs[0].InputFile != "" {
		t.Fatalf("expected empty input file, got %q", specs[0].InputFile)
	}
	if specs[0].OutputPrefix != "dream run/prompt_try01" {
		t.Fatalf("unexpected output prefix %q", specs[0].OutputPrefix)
	}
}

func TestBuildSkipsBlankExtraLoraName(t *testing.T) {
	def := testDefinition()
	def.Parameters = append(def.Parameters, workflowdef.ParamDef{
		Name: "extra_lora_1_name", Type: workflowdef.ParamText, Default: "",
		Nodes: []string{"6"}, Field: "lora_name",
	})
	def.Template["6"] = &workflowdef.Node{
		ClassType: "LoraLoader",
		Inputs:    map[string]any{"lora_name": "builtin.safetensors"},
	}

	specs, err := promptgen.Build(def, []string{"/inputs/a.png"}, nil, promptgen.Options{})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if got := inputs(t, specs[0], "6")["lora_name"]; got != "builtin.safetensors" {
		t.Fatalf("blank lora name must keep template default, got %v", got)
	}

	specs, err = promptgen.Build(def, []string{"/inputs/a.png"},
		map[string]any{"extra_lora_1_name": "style.safetensors"}, promptgen.Options{})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if got := inputs(t, specs[0], "6")["lora_name"]; got != "style.safetensors" {
		t.Fatalf("explicit lora name not applied, got %v", got)
	}
}

func extraLoraDefinition() *workflowdef.Definition {
	def := testDefinition()
	def.Parameters = append(def.Parameters,
		workflowdef.ParamDef{Name: "extra_lora_enabled", Type: workflowdef.ParamBool, Default: false},
		workflowdef.ParamDef{Name: "extra_lora_high_name", Type: workflowdef.ParamText, Default: ""},
		workflowdef.ParamDef{Name: "extra_lora_low_name", Type: workflowdef.ParamText, Default: ""},
		workflowdef.ParamDef{
			Name: "extra_lora_strength_high", Type: workflowdef.ParamFloat, Default: 1.0,
			Nodes: []string{"6"}, Field: "strength_model",
		},
		workflowdef.ParamDef{
			Name: "extra_lora_strength_low", Type: workflowdef.ParamFloat, Default: 1.0,
			Nodes: []string{"7"}, Field: "strength_model",
		},
	)
	def.Template["6"] = &workflowdef.Node{
		ClassType: "LoraLoaderModelOnly",
		Inputs:    map[string]any{"strength_model": 0.6},
	}
	def.Template["7"] = &workflowdef.Node{
		ClassType: "LoraLoaderModelOnly",
		Inputs:    map[string]any{"strength_model": 0.6},
	}
	return def
}

func TestBuildZeroesInactiveExtraLoraStrengths(t *testing.T) {
	cases := []struct {
		name   string
		params map[string]any
		want   float64
	}{
		{"disabled slot", map[string]any{
			"extra_lora_strength_high": 0.8,
			"extra_lora_strength_low":  0.7,
		}, 0.0},
		{"enabled but half named", map[string]any{
			"extra_lora_enabled":       true,
			"extra_lora_high_name":     "detail_high.safetensors",
			"extra_lora_strength_high": 0.8,
			"extra_lora_strength_low":  0.7,
		}, 0.0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			specs, err := promptgen.Build(extraLoraDefinition(), []string{"/inputs/a.png"}, tc.params, promptgen.Options{})
			if err != nil {
				t.Fatalf("Build failed: %v", err)
			}
			if got := inputs(t, specs[0], "6")["strength_model"]; got != tc.want {
				t.Fatalf("high strength not zeroed, got %v", got)
			}
			if got := inputs(t, specs[0], "7")["strength_model"]; got != tc.want {
				t.Fatalf("low strength not zeroed, got %v", got)
			}
		})
	}

	specs, err := promptgen.Build(extraLoraDefinition(), []string{"/inputs/a.png"}, map[string]any{
		"extra_lora_enabled":       true,
		"extra_lora_high_name":     "detail_high.safetensors",
		"extra_lora_low_name":      "detail_low.safetensors",
		"extra_lora_strength_high": 0.8,
		"extra_lora_strength_low":  0.7,
	}, promptgen.Options{})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if got := inputs(t, specs[0], "6")["strength_model"]; got != 0.8 {
		t.Fatalf("active high strength overwritten, got %v", got)
	}
	if got := inputs(t, specs[0], "7")["strength_model"]; got != 0.7 {
		t.Fatalf("active low strength overwritten, got %v", got)
	}
}

func wanChainDefinition() *workflowdef.Definition {
	graph := workflowdef.Graph{}
	for _, id := range []string{"101", "102", "103", "104", "201", "202", "211", "212"} {
		graph[id] = &workflowdef.Node{
			ClassType: "LoraLoaderModelOnly",
			Inputs:    map[string]any{"model": []any{"0", 0}},
		}
	}
	return &workflowdef.Definition{
		Name:      "wan-context-lite-2stage",
		InputType: workflowdef.InputNone,
		Parameters: []workflowdef.ParamDef{
			{Name: "extra_lora_enabled", Type: workflowdef.ParamBool, Default: false},
			{Name: "extra_lora_high_name", Type: workflowdef.ParamText, Default: ""},
			{Name: "extra_lora_low_name", Type: workflowdef.ParamText, Default: ""},
			{Name: "extra_lora2_enabled", Type: workflowdef.ParamBool, Default: false},
			{Name: "extra_lora2_high_name", Type: workflowdef.ParamText, Default: ""},
			{Name: "extra_lora2_low_name", Type: workflowdef.ParamText, Default: ""},
		},
		Template: graph,
	}
}

func modelSource(t *testing.T, spec promptgen.Spec, id string) string {
	t.Helper()
	ref, ok := inputs(t, spec, id)["model"].([]any)
	if !ok || len(ref) != 2 {
		t.Fatalf("node %s has no model reference", id)
	}
	src, _ := ref[0].(string)
	return src
}

func TestBuildRechainsWanExtraLoraModels(t *testing.T) {
	slot1 := map[string]any{
		"extra_lora_enabled":   true,
		"extra_lora_high_name": "a_high.safetensors",
		"extra_lora_low_name":  "a_low.safetensors",
	}
	both := map[string]any{
		"extra_lora_enabled":    true,
		"extra_lora_high_name":  "a_high.safetensors",
		"extra_lora_low_name":   "a_low.safetensors",
		"extra_lora2_enabled":   true,
		"extra_lora2_high_name": "b_high.safetensors",
		"extra_lora2_low_name":  "b_low.safetensors",
	}
	cases := []struct {
		name   string
		params map[string]any
		want   map[string]string
	}{
		{"no slots", nil, map[string]string{
			"201": "101", "202": "102", "211": "101", "212": "102", "104": "101", "103": "102",
		}},
		{"slot one", slot1, map[string]string{
			"201": "101", "202": "102", "211": "201", "212": "202", "104": "201", "103": "202",
		}},
		{"both slots", both, map[string]string{
			"201": "101", "202": "102", "211": "201", "212": "202", "104": "211", "103": "212",
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			specs, err := promptgen.Build(wanChainDefinition(), nil, tc.params, promptgen.Options{})
			if err != nil {
				t.Fatalf("Build failed: %v", err)
			}
			for id, src := range tc.want {
				if got := modelSource(t, specs[0], id); got != src {
					t.Fatalf("node %s should read model from %s, got %s", id, src, got)
				}
			}
		})
	}
}

func TestBuildSwitchStates(t *testing.T) {
	def := testDefinition()
	def.SwitchStates = []workflowdef.SwitchState{{Node: "3", Field: "sampler_name", Value: "euler"}}

	specs, err := promptgen.Build(def, []string{"/inputs/a.png"}, nil, promptgen.Options{})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if got := inputs(t, specs[0], "3")["sampler_name"]; got != "euler" {
		t.Fatalf("switch state not applied, got %v", got)
	}
}

func TestBuildNormalizesContextSchedule(t *testing.T) {
	def := testDefinition()
	def.Template["7"] = &workflowdef.Node{
		ClassType: "WanContextWindowsManual",
		Inputs:    map[string]any{"context_schedule": "uniform_standard"},
	}

	specs, err := promptgen.Build(def, []string{"/inputs/a.png"}, nil, promptgen.Options{})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if got := inputs(t, specs[0], "7")["context_schedule"]; got != "standard_uniform" {
		t.Fatalf("schedule not normalized, got %v", got)
	}
}

func TestResolveParamsCoercionAndClamp(t *testing.T) {
	def := testDefinition()

	resolved, err := promptgen.ResolveParams(def, map[string]any{
		"steps":          "120",
		"cfg":            0.5,
		"prompt":         7,
		"randomize_seed": "yes",
		"unknown_key":    "ignored",
	})
	if err != nil {
		t.Fatalf("ResolveParams failed: %v", err)
	}
	if resolved["steps"] != int64(50) {
		t.Fatalf("expected steps clamped to max, got %v", resolved["steps"])
	}
	if resolved["cfg"] != 1.0 {
		t.Fatalf("expected cfg clamped to min, got %v", resolved["cfg"])
	}
	if resolved["prompt"] != "7" {
		t.Fatalf("expected numeric coerced to text, got %v", resolved["prompt"])
	}
	if resolved["randomize_seed"] != true {
		t.Fatalf("expected truthy string coerced, got %v", resolved["randomize_seed"])
	}
	if _, ok := resolved["unknown_key"]; ok {
		t.Fatal("unknown keys must be dropped")
	}

	if _, err := promptgen.ResolveParams(def, map[string]any{"steps": "lots"}); !errors.Is(err, promptgen.ErrInvalidParam) {
		t.Fatalf("expected invalid param marker, got %v", err)
	}
	if _, err := promptgen.ResolveParams(def, map[string]any{"randomize_seed": "maybe"}); !errors.Is(err, promptgen.ErrInvalidParam) {
		t.Fatalf("expected invalid param marker, got %v", err)
	}
}

func TestResolvePreset(t *testing.T) {
	res, err := promptgen.ResolvePreset("480x848")
	if err != nil || res == nil || res.Width != 480 || res.Height != 848 {
		t.Fatalf("unexpected preset %v err %v", res, err)
	}

	res, err = promptgen.ResolvePreset("")
	if err != nil || res != nil {
		t.Fatalf("empty id must mean no override, got %v err %v", res, err)
	}

	_, err = promptgen.ResolvePreset("999x999")
	if !errors.Is(err, promptgen.ErrPresetNotFound) {
		t.Fatalf("expected preset not found, got %v", err)
	}
	if err == nil || !strings.Contains(err.Error(), "480x848") {
		t.Fatalf("expected error to list known presets, got %v", err)
	}
}
