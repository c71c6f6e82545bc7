package agent

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// ExecResult holds the outcome of a shell command.
type ExecResult struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	TimedOut   bool   `json:"timed_out"`
	DurationMs int64  `json:"duration_ms"`
}

// Output returns combined stdout and stderr.
func (r ExecResult) Output() string {
	switch {
	case r.Stderr == "":
		return r.Stdout
	case r.Stdout == "":
		return r.Stderr
	default:
		return r.Stdout + "\n" + r.Stderr
	}
}

// GrepOptions configures content search.
type GrepOptions struct {
	GlobFilter      string
	CaseInsensitive bool
	MaxResults      int
}

// Environment abstracts where tool operations run.
type Environment interface {
	ReadFile(path string, offset, limit int) (string, error)
	ReadFileRaw(path string) (string, error)
	WriteFile(path string, content string) error
	FileExists(path string) bool
	ListFiles(root string, limit int) ([]string, error)

	ExecCommand(ctx context.Context, command string, timeoutMs int, workingDir string) (*ExecResult, error)

	Grep(ctx context.Context, pattern, path string, options GrepOptions) (string, error)
	Glob(pattern string) ([]string, error)

	WorkingDirectory() string
}

// Environment variables matching these suffixes are withheld from shell
// commands unless explicitly safe.
var sensitiveEnvSuffixes = []string{
	"_API_KEY", "_SECRET", "_TOKEN", "_PASSWORD", "_CREDENTIAL",
}

var safeEnvVars = map[string]bool{
	"PATH": true, "HOME": true, "USER": true, "SHELL": true,
	"LANG": true, "TERM": true, "TMPDIR": true,
	"GOPATH": true, "GOROOT": true, "CARGO_HOME": true,
	"XDG_CONFIG_HOME": true, "XDG_DATA_HOME": true, "XDG_CACHE_HOME": true,
}

func isSensitiveEnvVar(name string) bool {
	upper := strings.ToUpper(name)
	for _, suffix := range sensitiveEnvSuffixes {
		if strings.HasSuffix(upper, suffix) {
			return true
		}
	}
	return false
}

func filteredEnvironment() []string {
	var out []string
	for _, kv := range os.Environ() {
		name, _, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if safeEnvVars[name] || !isSensitiveEnvVar(name) {
			out = append(out, kv)
		}
	}
	return out
}

// LocalEnvironment runs tools on the local machine, rooted at a working
// directory.
type LocalEnvironment struct {
	workingDir string
}

// NewLocalEnvironment creates a local environment. An empty workingDir
// defaults to the process working directory.
func NewLocalEnvironment(workingDir string) *LocalEnvironment {
	if workingDir == "" {
		workingDir, _ = os.Getwd()
	}
	return &LocalEnvironment{workingDir: workingDir}
}

func (e *LocalEnvironment) WorkingDirectory() string { return e.workingDir }

func (e *LocalEnvironment) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(e.workingDir, path)
}

// ReadFile returns line-numbered content. offset is 1-based; limit bounds
// the number of lines returned.
func (e *LocalEnvironment) ReadFile(path string, offset, limit int) (string, error) {
	data, err := os.ReadFile(e.resolve(path))
	if err != nil {
		return "", fmt.Errorf("view: %w", err)
	}

	lines := strings.Split(string(data), "\n")
	start := 0
	if offset > 0 {
		start = offset - 1
	}
	if start >= len(lines) {
		return "", nil
	}
	end := len(lines)
	if limit > 0 && start+limit < end {
		end = start + limit
	}

	var sb strings.Builder
	for i := start; i < end; i++ {
		fmt.Fprintf(&sb, "%d | %s\n", i+1, lines[i])
	}
	return sb.String(), nil
}

// ReadFileRaw returns file content without line numbers, for editing.
func (e *LocalEnvironment) ReadFileRaw(path string) (string, error) {
	data, err := os.ReadFile(e.resolve(path))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (e *LocalEnvironment) WriteFile(path string, content string) error {
	resolved := e.resolve(path)
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}
	return os.WriteFile(resolved, []byte(content), 0o644)
}

func (e *LocalEnvironment) FileExists(path string) bool {
	_, err := os.Stat(e.resolve(path))
	return err == nil
}

// ListFiles walks the tree under root collecting relative file paths, up to
// limit entries. Hidden directories and common dependency dirs are skipped.
func (e *LocalEnvironment) ListFiles(root string, limit int) ([]string, error) {
	base := e.resolve(root)
	if limit <= 0 {
		limit = 5000
	}

	var files []string
	err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		name := d.Name()
		if d.IsDir() {
			if path != base && (strings.HasPrefix(name, ".") || name == "node_modules" || name == "vendor") {
				return filepath.SkipDir
			}
			return nil
		}
		rel, relErr := filepath.Rel(base, path)
		if relErr != nil {
			rel = path
		}
		files = append(files, rel)
		if len(files) >= limit {
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	return files, nil
}

func (e *LocalEnvironment) ExecCommand(ctx context.Context, command string, timeoutMs int, workingDir string) (*ExecResult, error) {
	if workingDir == "" {
		workingDir = e.workingDir
	} else {
		workingDir = e.resolve(workingDir)
	}

	if timeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
		defer cancel()
	}

	shell, shellArg := "/bin/bash", "-c"
	if runtime.GOOS == "windows" {
		shell, shellArg = "cmd.exe", "/c"
	}

	cmd := exec.CommandContext(ctx, shell, shellArg, command)
	cmd.Dir = workingDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = filteredEnvironment()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()

	result := &ExecResult{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMs: time.Since(start).Milliseconds(),
	}

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			result.TimedOut = true
			result.ExitCode = -1
			if cmd.Process != nil {
				_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
			}
		} else if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("shell_execute: %w", err)
		}
	}
	return result, nil
}

// Grep searches file contents, preferring ripgrep and falling back to grep.
func (e *LocalEnvironment) Grep(ctx context.Context, pattern, path string, options GrepOptions) (string, error) {
	if path == "" {
		path = e.workingDir
	} else {
		path = e.resolve(path)
	}

	rgPath, err := exec.LookPath("rg")
	if err != nil {
		return e.grepFallback(ctx, pattern, path, options)
	}

	args := []string{pattern, path, "--line-number", "--no-heading"}
	if options.CaseInsensitive {
		args = append(args, "-i")
	}
	if options.GlobFilter != "" {
		args = append(args, "--glob", options.GlobFilter)
	}
	if options.MaxResults > 0 {
		args = append(args, "--max-count", fmt.Sprintf("%d", options.MaxResults))
	}

	cmd := exec.CommandContext(ctx, rgPath, args...)
	cmd.Dir = e.workingDir
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	_ = cmd.Run() // exit 1 means no matches
	return stdout.String(), nil
}

func (e *LocalEnvironment) grepFallback(ctx context.Context, pattern, path string, options GrepOptions) (string, error) {
	args := []string{"-rn", pattern, path}
	if options.CaseInsensitive {
		args = append([]string{"-i"}, args...)
	}
	cmd := exec.CommandContext(ctx, "grep", args...)
	cmd.Dir = e.workingDir
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	_ = cmd.Run()
	return stdout.String(), nil
}

// Glob matches files under the working directory. Patterns support
// doublestar (**) segments.
func (e *LocalEnvironment) Glob(pattern string) ([]string, error) {
	matches, err := doublestar.FilepathGlob(filepath.Join(e.workingDir, pattern))
	if err != nil {
		return nil, fmt.Errorf("glob: %w", err)
	}
	out := make([]string, len(matches))
	for i, m := range matches {
		if rel, err := filepath.Rel(e.workingDir, m); err == nil {
			out[i] = rel
		} else {
			out[i] = m
		}
	}
	return out, nil
}
