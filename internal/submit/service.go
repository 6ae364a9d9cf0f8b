// Package submit turns a submission request into persisted queue work:
// workflow lookup, input discovery, staging, graph building, and the final
// transactional job insert.
package submit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"renderq/internal/config"
	"renderq/internal/logging"
	"renderq/internal/promptgen"
	"renderq/internal/queue"
	"renderq/internal/services"
	"renderq/internal/staging"
	"renderq/internal/workflowdef"
)

// Request describes one submission.
type Request struct {
	Workflow         string
	JobName          string
	InputDir         string
	Files            []string
	Params           map[string]any
	PerFileParams    map[string]map[string]any
	ResolutionPreset string
	FlipOrientation  bool
	MoveProcessed    bool
	SplitByInput     bool
	Priority         int
}

// Receipt reports what a submission created.
type Receipt struct {
	JobIDs      []int64
	JobCount    int
	PromptCount int
	InputDir    string
}

// Service builds and persists jobs.
type Service struct {
	registry *workflowdef.Registry
	store    *queue.Store
	cfg      *config.Config
	logger   *slog.Logger
}

// NewService wires a submission service.
func NewService(registry *workflowdef.Registry, store *queue.Store, cfg *config.Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Service{
		registry: registry,
		store:    store,
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "submit"),
	}
}

// Submit validates the request, stages inputs, builds one graph per
// file x try, and persists everything. With SplitByInput set, each input
// file becomes its own job.
func (s *Service) Submit(ctx context.Context, req Request) (*Receipt, error) {
	def, err := s.registry.Get(req.Workflow)
	if err != nil {
		return nil, services.Wrap(services.ErrNotFound, "submit", "workflow", req.Workflow, err)
	}

	var (
		files    []string
		inputDir string
	)
	if def.InputType != workflowdef.InputNone {
		inputDir, err = normalizeInputDir(req.InputDir)
		if err != nil {
			return nil, services.Wrap(services.ErrValidation, "submit", "input dir", "", err)
		}
		files = req.Files
		if len(files) == 0 {
			files, err = listInputs(inputDir, def.InputExtensions)
			if err != nil {
				return nil, services.Wrap(services.ErrValidation, "submit", "input dir", "", err)
			}
		}
		if len(files) == 0 {
			return nil, services.Wrap(services.ErrValidation, "submit", "input dir",
				fmt.Sprintf("no matching input files in %s", inputDir), nil)
		}
	} else {
		inputDir = s.cfg.Comfy.InputDir
	}

	if req.SplitByInput && len(files) > 0 {
		receipt := &Receipt{InputDir: inputDir}
		for _, file := range files {
			single := req
			single.Files = []string{file}
			single.JobName = deriveSplitJobName(req.JobName, file)
			job, count, err := s.enqueueOne(ctx, def, single, []string{file}, inputDir)
			if err != nil {
				return nil, err
			}
			receipt.JobIDs = append(receipt.JobIDs, job.ID)
			receipt.JobCount++
			receipt.PromptCount += count
		}
		return receipt, nil
	}

	job, count, err := s.enqueueOne(ctx, def, req, files, inputDir)
	if err != nil {
		return nil, err
	}
	return &Receipt{
		JobIDs:      []int64{job.ID},
		JobCount:    1,
		PromptCount: count,
		InputDir:    inputDir,
	}, nil
}

func (s *Service) enqueueOne(ctx context.Context, def *workflowdef.Definition, req Request, files []string, inputDir string) (*queue.Job, int, error) {
	resolved, err := promptgen.ResolveParams(def, req.Params)
	if err != nil {
		return nil, 0, services.Wrap(services.ErrValidation, "submit", "params", "", err)
	}
	resolution, err := promptgen.ResolvePreset(req.ResolutionPreset)
	if err != nil {
		return nil, 0, services.Wrap(services.ErrValidation, "submit", "resolution", "", err)
	}

	// Stage copies so the queue survives source files moving afterwards. The
	// graph references the staged path; the prompt row keeps the source path
	// so finalization can act on the original.
	var (
		batch          *staging.Batch
		sourceByStaged map[string]string
	)
	if len(files) > 0 {
		batch, err = staging.Stage(files, s.cfg.Comfy.InputDir)
		if err != nil {
			return nil, 0, services.Wrap(services.ErrValidation, "submit", "staging", "", err)
		}
		sourceByStaged = make(map[string]string, len(batch.Files))
		for _, staged := range batch.Files {
			sourceByStaged[staged.Staged] = staged.Source
		}
	}

	specs, err := promptgen.Build(def, stagedPaths(batch), req.Params, promptgen.Options{
		PerFileParams:   remapOverrides(req.PerFileParams, batch),
		ComfyInputDir:   s.cfg.Comfy.InputDir,
		Resolution:      resolution,
		FlipOrientation: req.FlipOrientation,
		JobName:         req.JobName,
	})
	if err != nil {
		return nil, 0, services.Wrap(services.ErrValidation, "submit", "build", "", err)
	}

	paramsJSON, err := json.Marshal(resolved)
	if err != nil {
		return nil, 0, fmt.Errorf("encode params: %w", err)
	}

	prompts := make([]queue.NewPrompt, 0, len(specs))
	for _, spec := range specs {
		graphJSON, err := json.Marshal(spec.Graph)
		if err != nil {
			return nil, 0, fmt.Errorf("encode graph: %w", err)
		}
		inputFile := spec.InputFile
		if source, ok := sourceByStaged[inputFile]; ok {
			inputFile = source
		}
		prompts = append(prompts, queue.NewPrompt{
			InputFile: inputFile,
			GraphJSON: string(graphJSON),
			SeedUsed:  spec.SeedUsed,
		})
	}

	job, err := s.store.CreateJob(ctx, queue.NewJob{
		WorkflowName:  def.Name,
		JobName:       strings.TrimSpace(req.JobName),
		InputDir:      inputDir,
		ParamsJSON:    string(paramsJSON),
		Priority:      req.Priority,
		MoveProcessed: req.MoveProcessed,
	}, prompts)
	if err != nil {
		return nil, 0, fmt.Errorf("create job: %w", err)
	}

	s.logger.Info("job submitted",
		logging.Int64(logging.FieldJobID, job.ID),
		logging.String(logging.FieldWorkflow, def.Name),
		logging.Int("prompts", len(prompts)))
	return job, len(prompts), nil
}

func stagedPaths(batch *staging.Batch) []string {
	if batch == nil {
		return nil
	}
	paths := make([]string, 0, len(batch.Files))
	for _, staged := range batch.Files {
		paths = append(paths, staged.Staged)
	}
	return paths
}

// remapOverrides rekeys per-file overrides from source paths or base names
// onto the staged paths the builder will see.
func remapOverrides(overrides map[string]map[string]any, batch *staging.Batch) map[string]map[string]any {
	if len(overrides) == 0 || batch == nil {
		return nil
	}
	out := make(map[string]map[string]any)
	for _, staged := range batch.Files {
		override, ok := overrides[staged.Source]
		if !ok {
			override, ok = overrides[filepath.Base(staged.Source)]
		}
		if !ok {
			continue
		}
		out[staged.Staged] = override
	}
	return out
}

func deriveSplitJobName(base, inputFile string) string {
	stem := strings.TrimSuffix(filepath.Base(inputFile), filepath.Ext(inputFile))
	base = strings.TrimSpace(base)
	if base == "" {
		return stem
	}
	return base + " | " + stem
}

func normalizeInputDir(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("input directory is required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("resolve input directory: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("input directory not found: %s", abs)
	}
	return abs, nil
}

func listInputs(dir string, extensions []string) ([]string, error) {
	allowed := make(map[string]struct{}, len(extensions))
	for _, ext := range extensions {
		allowed[strings.ToLower(ext)] = struct{}{}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read input directory: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if _, ok := allowed[strings.ToLower(filepath.Ext(entry.Name()))]; !ok {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(files)
	return files, nil
}
