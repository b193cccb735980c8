// Package queue supplies task definitions to the engine and carries
// results back out: a YAML file source for one-shot runs and a Redis list
// source/sink for continuous worker operation.
package queue

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/chromeherd/api/schemas"
)

// Source produces tasks for the dispatcher. Next returns io.EOF when the
// source is drained.
type Source interface {
	Next(ctx context.Context) (schemas.Task, error)
}

// Sink consumes task results.
type Sink interface {
	Publish(ctx context.Context, res schemas.TaskResult) error
}

// The file schema keeps durations as strings ("5s", "2m") so task files
// stay hand-writable; parsing converts into schemas types.
type taskFile struct {
	Tasks []taskSpec `yaml:"tasks"`
}

type taskSpec struct {
	ID          string     `yaml:"id"`
	Timeout     string     `yaml:"timeout"`
	RetryBudget int        `yaml:"retry_budget"`
	Steps       []stepSpec `yaml:"steps"`
}

type stepSpec struct {
	Kind     string `yaml:"kind"`
	URL      string `yaml:"url"`
	Selector string `yaml:"selector"`
	Action   string `yaml:"action"`
	Value    string `yaml:"value"`
	Output   string `yaml:"output"`
	Timeout  string `yaml:"timeout"`
}

// FileSource serves the tasks of a YAML file in order.
type FileSource struct {
	mu    sync.Mutex
	tasks []schemas.Task
	next  int
}

// NewFileSource parses and validates a YAML task file.
func NewFileSource(path string) (*FileSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task file: %w", err)
	}

	var file taskFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse task file: %w", err)
	}

	tasks := make([]schemas.Task, 0, len(file.Tasks))
	for i, spec := range file.Tasks {
		task, err := spec.toTask()
		if err != nil {
			return nil, fmt.Errorf("task %d: %w", i, err)
		}
		if err := task.Validate(); err != nil {
			return nil, fmt.Errorf("task %d: %w", i, err)
		}
		tasks = append(tasks, task)
	}
	return &FileSource{tasks: tasks}, nil
}

// Next returns the next task, or io.EOF when the file is exhausted.
func (s *FileSource) Next(ctx context.Context) (schemas.Task, error) {
	if err := ctx.Err(); err != nil {
		return schemas.Task{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.tasks) {
		return schemas.Task{}, io.EOF
	}
	task := s.tasks[s.next]
	s.next++
	return task, nil
}

// Len reports the number of tasks in the file.
func (s *FileSource) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func (spec taskSpec) toTask() (schemas.Task, error) {
	task := schemas.Task{
		ID:          spec.ID,
		RetryBudget: spec.RetryBudget,
	}
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	var err error
	if task.Timeout, err = parseDuration(spec.Timeout); err != nil {
		return schemas.Task{}, fmt.Errorf("invalid timeout: %w", err)
	}
	for j, ss := range spec.Steps {
		step := schemas.Step{
			Kind:     schemas.StepKind(ss.Kind),
			URL:      ss.URL,
			Selector: ss.Selector,
			Action:   ss.Action,
			Value:    ss.Value,
			Output:   ss.Output,
		}
		if step.Timeout, err = parseDuration(ss.Timeout); err != nil {
			return schemas.Task{}, fmt.Errorf("step %d: invalid timeout: %w", j, err)
		}
		task.Steps = append(task.Steps, step)
	}
	return task, nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
