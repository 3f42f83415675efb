package steps

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/jdziat/scanflow/pkg/core"
	"github.com/jdziat/scanflow/pkg/security"
)

// Errors returned by Execute.
var (
	ErrUnknownBuiltin  = errors.New("steps: no builtin registered under that name")
	ErrUnsupportedKind = errors.New("steps: unsupported step kind")
	ErrEmptyCommand    = errors.New("steps: command has no arguments")
	ErrCommandFailed   = errors.New("steps: command failed")
	ErrRelativePath    = errors.New("steps: delete path must be absolute or start with a parameter placeholder")
)

// stderrTail bounds how much of a failed command's stderr ends up in the error.
const stderrTail = 2048

// Task is what a worker knows about the instance it is executing.
type Task struct {
	InstanceID string
	StepID     string
	Range      core.WorkRange
	Parameters map[string]string
	WorkDir    string
}

// BuiltinFunc is a Go implementation of a step.
type BuiltinFunc func(ctx context.Context, task Task) error

// Executor runs steps. Builtins must be registered before the worker starts.
type Executor struct {
	mu       sync.RWMutex
	builtins map[string]BuiltinFunc
	logger   *slog.Logger
}

// NewExecutor creates an executor with no builtins.
func NewExecutor() *Executor {
	return &Executor{
		builtins: make(map[string]BuiltinFunc),
		logger:   slog.Default(),
	}
}

// SetLogger sets the logger used for step output.
func (x *Executor) SetLogger(l *slog.Logger) {
	x.logger = l
}

// Register makes fn available to steps of kind builtin under name.
func (x *Executor) Register(name string, fn BuiltinFunc) error {
	if err := security.ValidateID(name); err != nil {
		return fmt.Errorf("builtin name: %w", err)
	}
	if fn == nil {
		return fmt.Errorf("builtin %q: nil function", name)
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.builtins[name] = fn
	return nil
}

// Builtins returns the registered builtin names, sorted.
func (x *Executor) Builtins() []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	names := make([]string, 0, len(x.builtins))
	for name := range x.builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute performs the step's work for task. A panic in the work is
// recovered and returned as an error.
func (x *Executor) Execute(ctx context.Context, step *core.Step, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	switch kind := step.Kind.(type) {
	case core.RunCommand:
		return x.runCommand(ctx, kind, task)
	case *core.RunCommand:
		return x.runCommand(ctx, *kind, task)
	case core.DeleteFiles:
		return deleteFiles(kind, task)
	case *core.DeleteFiles:
		return deleteFiles(*kind, task)
	case core.Builtin:
		return x.runBuiltin(ctx, kind.Name, task)
	case *core.Builtin:
		return x.runBuiltin(ctx, kind.Name, task)
	case core.Noop, *core.Noop:
		return nil
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedKind, step.Kind)
	}
}

func (x *Executor) runBuiltin(ctx context.Context, name string, task Task) error {
	x.mu.RLock()
	fn, ok := x.builtins[name]
	x.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBuiltin, name)
	}
	return fn(ctx, task)
}

func (x *Executor) runCommand(ctx context.Context, kind core.RunCommand, task Task) error {
	if len(kind.Args) == 0 {
		return ErrEmptyCommand
	}
	if kind.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, kind.Timeout)
		defer cancel()
	}

	args := task.FilterAll(kind.Args)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = task.WorkDir
	cmd.Env = append(os.Environ(), commandEnv(kind.Env, task)...)

	stderr := &tailBuffer{max: stderrTail}
	cmd.Stderr = stderr

	x.logger.Debug("running command", "instance_id", task.InstanceID, "args", args)
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %s: %v", ErrCommandFailed, args[0], ctx.Err())
		}
		if tail := strings.TrimSpace(stderr.String()); tail != "" {
			return fmt.Errorf("%w: %s: %v: %s", ErrCommandFailed, args[0], err, tail)
		}
		return fmt.Errorf("%w: %s: %v", ErrCommandFailed, args[0], err)
	}
	return nil
}

func commandEnv(env map[string]string, task Task) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+task.Filter(env[k]))
	}
	return out
}

func deleteFiles(kind core.DeleteFiles, task Task) error {
	var errs []error
	for _, pattern := range task.FilterAll(kind.Paths) {
		if !filepath.IsAbs(pattern) {
			errs = append(errs, fmt.Errorf("%w: %q", ErrRelativePath, pattern))
			continue
		}
		matches, err := filepath.Glob(pattern)
		if err != nil {
			errs = append(errs, fmt.Errorf("path %q: %w", pattern, err))
			continue
		}
		for _, path := range matches {
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	buf []byte
	max int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	return string(b.buf)
}
