package testsupport

import (
	"context"
	"fmt"
	"testing"

	"renderq/internal/config"
	"renderq/internal/queue"
)

// MustOpenStore opens a queue.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *queue.Store {
	t.Helper()

	store, err := queue.Open(cfg)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// NewJob seeds a pending job with the given number of prompts, each holding a
// minimal graph snapshot.
func NewJob(t testing.TB, store *queue.Store, workflow string, promptCount int) *queue.Job {
	t.Helper()

	prompts := make([]queue.NewPrompt, 0, promptCount)
	for i := 0; i < promptCount; i++ {
		prompts = append(prompts, queue.NewPrompt{
			InputFile: fmt.Sprintf("input-%02d.png", i),
			GraphJSON: `{"1":{"class_type":"TestNode","inputs":{}}}`,
		})
	}
	job, err := store.CreateJob(context.Background(), queue.NewJob{WorkflowName: workflow}, prompts)
	if err != nil {
		t.Fatalf("store.CreateJob: %v", err)
	}
	return job
}
