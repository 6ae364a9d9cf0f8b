package workflowdef

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// InputType describes what kind of source file a workflow consumes.
type InputType string

const (
	InputNone  InputType = "none"
	InputImage InputType = "image"
	InputVideo InputType = "video"
)

// ParamType enumerates the allowed parameter value types.
type ParamType string

const (
	ParamText  ParamType = "text"
	ParamInt   ParamType = "int"
	ParamFloat ParamType = "float"
	ParamBool  ParamType = "bool"
)

// Well-known file binding roles consumed by the builder.
const (
	BindingLoadImage    = "load_image"
	BindingLoadVideo    = "load_video"
	BindingInputFile    = "input_file"
	BindingSeed         = "seed"
	BindingOutputPrefix = "output_prefix"
)

// NodeBinding targets one or more template nodes, writing either a single
// field or the first matching candidate from Fields.
type NodeBinding struct {
	Nodes  []string `toml:"nodes"`
	Field  string   `toml:"field"`
	Fields []string `toml:"fields"`
}

// ParamDef declares one user-settable workflow parameter.
type ParamDef struct {
	Name    string    `toml:"name"`
	Label   string    `toml:"label"`
	Type    ParamType `toml:"type"`
	Default any       `toml:"default"`
	Min     *float64  `toml:"min"`
	Max     *float64  `toml:"max"`
	Nodes   []string  `toml:"nodes"`
	Field   string    `toml:"field"`
	Fields  []string  `toml:"fields"`
}

// SwitchState forces a structural toggle on a template node.
type SwitchState struct {
	Node  string `toml:"node"`
	Field string `toml:"field"`
	Value any    `toml:"value"`
}

// Definition is an immutable, validated workflow template plus its parameter
// schema. Instances are shared across goroutines and must never be mutated
// after LoadOne returns.
type Definition struct {
	Name            string
	DisplayName     string
	Group           string
	Description     string
	InputType       InputType
	InputExtensions []string
	FileBindings    map[string]NodeBinding
	Parameters      []ParamDef
	SwitchStates    []SwitchState
	MoveProcessed   bool
	Template        Graph
	SourceFile      string
}

// Param returns the parameter declaration by name.
func (d *Definition) Param(name string) (ParamDef, bool) {
	for _, p := range d.Parameters {
		if p.Name == name {
			return p, true
		}
	}
	return ParamDef{}, false
}

// SupportsResolution reports whether the template exposes at least one
// numeric width/height node pair.
func (d *Definition) SupportsResolution() bool {
	return d.Template.HasResolutionPair()
}

// Title returns the display name, falling back to the workflow name.
func (d *Definition) Title() string {
	if d.DisplayName != "" {
		return d.DisplayName
	}
	return d.Name
}

type rawDefinition struct {
	Name            string                 `toml:"name"`
	DisplayName     string                 `toml:"display_name"`
	Group           string                 `toml:"group"`
	Description     string                 `toml:"description"`
	InputType       string                 `toml:"input_type"`
	InputExtensions []string               `toml:"input_extensions"`
	Template        string                 `toml:"template"`
	TemplateInline  string                 `toml:"template_inline"`
	MoveProcessed   bool                   `toml:"move_processed"`
	FileBindings    map[string]NodeBinding `toml:"file_bindings"`
	Parameters      []ParamDef             `toml:"parameters"`
	SwitchStates    []SwitchState          `toml:"switch_states"`
}

func defErr(path, field, msg string) error {
	return fmt.Errorf("%s: field %q: %s", path, field, msg)
}

// LoadOne parses and validates a single workflow definition file.
func LoadOne(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	var raw rawDefinition
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%s: invalid TOML: %w", path, err)
	}

	if strings.TrimSpace(raw.Name) == "" {
		return nil, defErr(path, "name", "must be a non-empty string")
	}
	switch InputType(raw.InputType) {
	case InputNone, InputImage, InputVideo:
	default:
		return nil, defErr(path, "input_type", "must be 'image', 'video', or 'none'")
	}
	if InputType(raw.InputType) != InputNone {
		if len(raw.InputExtensions) == 0 {
			return nil, defErr(path, "input_extensions", "must be a non-empty list")
		}
		for _, ext := range raw.InputExtensions {
			if !strings.HasPrefix(ext, ".") {
				return nil, defErr(path, "input_extensions", fmt.Sprintf("extension %q must start with '.'", ext))
			}
		}
	}

	template, err := loadTemplate(path, raw)
	if err != nil {
		return nil, err
	}

	for role, binding := range raw.FileBindings {
		if err := validateBinding(path, "file_bindings."+role, binding); err != nil {
			return nil, err
		}
	}

	seen := make(map[string]struct{}, len(raw.Parameters))
	for i, param := range raw.Parameters {
		field := fmt.Sprintf("parameters[%d]", i)
		if strings.TrimSpace(param.Name) == "" {
			return nil, defErr(path, field+".name", "must be a non-empty string")
		}
		if _, dup := seen[param.Name]; dup {
			return nil, defErr(path, field+".name", fmt.Sprintf("duplicate parameter %q", param.Name))
		}
		seen[param.Name] = struct{}{}
		switch param.Type {
		case ParamText, ParamInt, ParamFloat, ParamBool:
		default:
			return nil, defErr(path, field+".type", "must be one of text, int, float, bool")
		}
		if (param.Min != nil || param.Max != nil) && param.Type != ParamInt && param.Type != ParamFloat {
			return nil, defErr(path, field, "min/max are only valid for numeric parameters")
		}
		if param.Label == "" {
			raw.Parameters[i].Label = param.Name
		}
	}

	for i, sw := range raw.SwitchStates {
		if strings.TrimSpace(sw.Node) == "" {
			return nil, defErr(path, fmt.Sprintf("switch_states[%d].node", i), "is required")
		}
		if strings.TrimSpace(sw.Field) == "" {
			return nil, defErr(path, fmt.Sprintf("switch_states[%d].field", i), "is required")
		}
	}

	def := &Definition{
		Name:            raw.Name,
		DisplayName:     raw.DisplayName,
		Group:           raw.Group,
		Description:     raw.Description,
		InputType:       InputType(raw.InputType),
		InputExtensions: raw.InputExtensions,
		FileBindings:    raw.FileBindings,
		Parameters:      raw.Parameters,
		SwitchStates:    raw.SwitchStates,
		MoveProcessed:   raw.MoveProcessed,
		Template:        template,
		SourceFile:      path,
	}
	if def.FileBindings == nil {
		def.FileBindings = map[string]NodeBinding{}
	}
	if err := validateTemplateRefs(path, def); err != nil {
		return nil, err
	}
	return def, nil
}

func loadTemplate(path string, raw rawDefinition) (Graph, error) {
	var payload []byte
	switch {
	case strings.TrimSpace(raw.TemplateInline) != "":
		payload = []byte(raw.TemplateInline)
	case strings.TrimSpace(raw.Template) != "":
		templatePath := raw.Template
		if !filepath.IsAbs(templatePath) {
			templatePath = filepath.Join(filepath.Dir(path), templatePath)
		}
		data, err := os.ReadFile(templatePath)
		if err != nil {
			return nil, defErr(path, "template", fmt.Sprintf("template file not readable: %v", err))
		}
		payload = data
	default:
		return nil, defErr(path, "template", "is required unless template_inline is provided")
	}

	// Templates exported from the ComfyUI API wrap the graph in {"prompt": ...}.
	var wrapped struct {
		Prompt Graph `json:"prompt"`
	}
	if err := json.Unmarshal(payload, &wrapped); err == nil && len(wrapped.Prompt) > 0 {
		return wrapped.Prompt, nil
	}

	var graph Graph
	if err := json.Unmarshal(payload, &graph); err != nil {
		return nil, defErr(path, "template", fmt.Sprintf("invalid JSON: %v", err))
	}
	if len(graph) == 0 {
		return nil, defErr(path, "template", "template graph is empty")
	}
	return graph, nil
}

func validateBinding(path, field string, binding NodeBinding) error {
	if len(binding.Nodes) == 0 {
		return defErr(path, field+".nodes", "must be a non-empty list")
	}
	if binding.Field == "" && len(binding.Fields) == 0 {
		return defErr(path, field, "must include 'field' or 'fields'")
	}
	return nil
}

func validateTemplateRefs(path string, def *Definition) error {
	for role, binding := range def.FileBindings {
		for _, id := range binding.Nodes {
			if _, ok := def.Template[id]; !ok {
				return defErr(path, "file_bindings."+role+".nodes", fmt.Sprintf("node id %q not in template", id))
			}
		}
	}
	for _, param := range def.Parameters {
		for _, id := range param.Nodes {
			if _, ok := def.Template[id]; !ok {
				return defErr(path, "parameters."+param.Name+".nodes", fmt.Sprintf("node id %q not in template", id))
			}
		}
	}
	for _, sw := range def.SwitchStates {
		if _, ok := def.Template[sw.Node]; !ok {
			return defErr(path, "switch_states", fmt.Sprintf("node id %q not in template", sw.Node))
		}
	}
	return nil
}

// LoadError pairs a definition file with the reason it failed to load.
type LoadError struct {
	File   string
	Reason error
}

func (e LoadError) Error() string {
	return fmt.Sprintf("%s: %v", e.File, e.Reason)
}

// LoadAll loads every *.toml definition under dir. Files that fail to parse or
// validate are reported individually so one bad definition never hides the
// rest. A missing directory yields an empty set.
func LoadAll(dir string) ([]*Definition, []LoadError) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, []LoadError{{File: dir, Reason: err}}
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".toml") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	var (
		defs     []*Definition
		failures []LoadError
		byName   = make(map[string]string)
	)
	for _, name := range names {
		path := filepath.Join(dir, name)
		def, err := LoadOne(path)
		if err != nil {
			failures = append(failures, LoadError{File: path, Reason: err})
			continue
		}
		if prior, dup := byName[def.Name]; dup {
			failures = append(failures, LoadError{
				File:   path,
				Reason: fmt.Errorf("duplicate workflow name %q (already defined in %s)", def.Name, prior),
			})
			continue
		}
		byName[def.Name] = path
		defs = append(defs, def)
	}
	return defs, failures
}
