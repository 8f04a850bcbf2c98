package core

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/golang/glog"
)

// Run orchestrator. Materializes the session's files into a throwaway
// workspace, picks a runtime by entry file extension, and executes it
// as a subprocess in its own process group so timeout and cancellation
// can kill the whole tree. Runs are out of band: a hung run never
// touches a session actor.

type RunnerSettings struct {
	MaxFiles       int
	MaxFileBytes   int
	MaxTotalBytes  int
	MaxOutputBytes int
	DefaultTimeout time.Duration
	KillGrace      time.Duration
	// WorkRoot is where workspaces are created. Empty means the system
	// temp directory.
	WorkRoot string
}

func DefaultRunnerSettings() *RunnerSettings {
	return &RunnerSettings{
		MaxFiles:       80,
		MaxFileBytes:   120_000,
		MaxTotalBytes:  350_000,
		MaxOutputBytes: 24_000,
		DefaultTimeout: 8 * time.Second,
		KillGrace:      2 * time.Second,
	}
}

type RunRequest struct {
	EntryFile string
	Files     map[string]string
	Timeout   time.Duration
}

type Diagnostic struct {
	Path    string `json:"path"`
	Line    int    `json:"line"`
	Col     int    `json:"col,omitempty"`
	Message string `json:"message"`
}

type RunResult struct {
	Ok          bool          `json:"ok"`
	Command     string        `json:"command"`
	ExitCode    int           `json:"exit_code"`
	Stdout      string        `json:"stdout"`
	Stderr      string        `json:"stderr"`
	Duration    time.Duration `json:"-"`
	TimedOut    bool          `json:"timed_out,omitempty"`
	Diagnostics []Diagnostic  `json:"diagnostics,omitempty"`
}

type Runner struct {
	settings *RunnerSettings
}

func NewRunnerWithDefaults() *Runner {
	return NewRunner(DefaultRunnerSettings())
}

func NewRunner(settings *RunnerSettings) *Runner {
	return &Runner{
		settings: settings,
	}
}

// failure is a rejected run reported as data, since a program that
// cannot run is an expected outcome, not a system fault.
func failure(start time.Time, format string, a ...any) *RunResult {
	return &RunResult{
		Ok:       false,
		ExitCode: 2,
		Stderr:   fmt.Sprintf(format, a...),
		Duration: time.Since(start),
	}
}

// Run executes the entry file against the supplied file set. The
// context cancels the run; the timeout is enforced independently of the
// caller. The workspace is always removed on exit.
func (self *Runner) Run(ctx context.Context, request *RunRequest) (*RunResult, error) {
	start := time.Now()

	timeout := request.Timeout
	if timeout <= 0 {
		timeout = self.settings.DefaultTimeout
	}

	if len(request.Files) == 0 {
		return failure(start, "No files to run."), nil
	}
	if self.settings.MaxFiles < len(request.Files) {
		return failure(start, "Too many files. Limit is %d.", self.settings.MaxFiles), nil
	}

	files := map[string]string{}
	totalBytes := 0
	for rawPath, content := range request.Files {
		path, err := SafeRelPath(rawPath)
		if err != nil {
			return failure(start, "Invalid path: %s", rawPath), nil
		}
		if self.settings.MaxFileBytes < len(content) {
			return failure(start, "File too large: %s", path), nil
		}
		totalBytes += len(content)
		files[path] = content
	}
	if self.settings.MaxTotalBytes < totalBytes {
		return failure(start, "Workspace too large. Limit is %d bytes.", self.settings.MaxTotalBytes), nil
	}

	entry, err := SafeRelPath(request.EntryFile)
	if err != nil {
		return failure(start, "Entry file is invalid or missing."), nil
	}
	if _, ok := files[entry]; !ok {
		return failure(start, "Entry file is invalid or missing."), nil
	}
	ext := strings.ToLower(filepath.Ext(entry))
	if !supportedTargets[ext] {
		return nil, ErrUnsupportedTarget
	}

	workDir, err := os.MkdirTemp(self.settings.WorkRoot, "core-run-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(workDir)

	for path, content := range files {
		target := filepath.Join(workDir, filepath.FromSlash(path))
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(target, []byte(content), 0644); err != nil {
			return nil, err
		}
	}

	entryAbs := filepath.Join(workDir, filepath.FromSlash(entry))
	argv, prep, err := self.resolveRuntime(ctx, ext, entryAbs, workDir, start, timeout)
	if err != nil {
		return nil, err
	}
	if prep != nil {
		// a compile step failed; report it as the run outcome
		prep.Diagnostics = self.resolveDiagnostics(prep, files, workDir)
		return prep, nil
	}

	result, err := self.execute(ctx, argv, workDir, start, timeout)
	if err != nil {
		return nil, err
	}
	result.Diagnostics = self.resolveDiagnostics(result, files, workDir)
	return result, nil
}

var supportedTargets = map[string]bool{
	".py":  true,
	".js":  true,
	".mjs": true,
	".cjs": true,
	".ts":  true,
	".tsx": true,
	".go":  true,
	".rs":  true,
	".sh":  true,
}

// resolveRuntime maps an extension to the argv to execute. A missing
// host runtime or a failed compile step is reported as a result, not an
// error.
func (self *Runner) resolveRuntime(
	ctx context.Context,
	ext string,
	entryAbs string,
	workDir string,
	start time.Time,
	timeout time.Duration,
) ([]string, *RunResult, error) {
	missing := func(name string, detail string) *RunResult {
		return &RunResult{
			Ok:       false,
			Command:  name,
			ExitCode: 127,
			Stderr:   detail,
			Duration: time.Since(start),
		}
	}

	switch ext {
	case ".py":
		python, err := exec.LookPath("python3")
		if err != nil {
			return nil, missing("python3", "Python is not installed on the server."), nil
		}
		return []string{python, entryAbs}, nil, nil
	case ".js", ".mjs", ".cjs":
		node, err := exec.LookPath("node")
		if err != nil {
			return nil, missing("node", "Node.js is not installed on the server."), nil
		}
		return []string{node, entryAbs}, nil, nil
	case ".ts", ".tsx":
		if tsx, err := exec.LookPath("tsx"); err == nil {
			return []string{tsx, entryAbs}, nil, nil
		}
		if deno, err := exec.LookPath("deno"); err == nil {
			return []string{deno, "run", "--quiet", entryAbs}, nil, nil
		}
		return nil, missing("tsx|deno", "TypeScript runtime is not installed (need tsx or deno)."), nil
	case ".go":
		goTool, err := exec.LookPath("go")
		if err != nil {
			return nil, missing("go", "Go is not installed on the server."), nil
		}
		return []string{goTool, "run", entryAbs}, nil, nil
	case ".sh":
		sh, err := exec.LookPath("sh")
		if err != nil {
			return nil, missing("sh", "No shell is installed on the server."), nil
		}
		return []string{sh, entryAbs}, nil, nil
	case ".rs":
		rustc, err := exec.LookPath("rustc")
		if err != nil {
			return nil, missing("rustc", "Rust is not installed on the server."), nil
		}
		binary := filepath.Join(workDir, "run_bin")
		compile, err := self.execute(ctx, []string{rustc, entryAbs, "-O", "-o", binary}, workDir, start, timeout)
		if err != nil {
			return nil, nil, err
		}
		if compile.ExitCode != 0 {
			return nil, compile, nil
		}
		return []string{binary}, nil, nil
	}
	return nil, nil, ErrUnsupportedTarget
}

func (self *Runner) execute(
	ctx context.Context,
	argv []string,
	workDir string,
	start time.Time,
	timeout time.Duration,
) (*RunResult, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = workDir
	// own process group so the kill reaches children
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout := newLimitBuffer(self.settings.MaxOutputBytes)
	stderr := newLimitBuffer(self.settings.MaxOutputBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	kill := func() {
		syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		select {
		case <-done:
		case <-time.After(self.settings.KillGrace):
			glog.Infof("[run]process group %d did not exit within grace\n", cmd.Process.Pid)
		}
	}

	command := strings.Join(argv, " ")
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		kill()
		return nil, ErrRunCancelled
	case <-timer.C:
		kill()
		return &RunResult{
			Ok:       false,
			Command:  command,
			ExitCode: 124,
			Stdout:   stdout.String(),
			Stderr:   fmt.Sprintf("Execution timed out after %s.", timeout),
			Duration: time.Since(start),
			TimedOut: true,
		}, nil
	case err := <-done:
		exitCode := 0
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				exitCode = exitErr.ExitCode()
			} else {
				return nil, err
			}
		}
		return &RunResult{
			Ok:       exitCode == 0,
			Command:  command,
			ExitCode: exitCode,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			Duration: time.Since(start),
		}, nil
	}
}

var diagnosticPattern = regexp.MustCompile(`(?m)^\s*([^\s:]+):(\d+)(?::(\d+))?:\s*(.+)$`)

// resolveDiagnostics scans captured output for path:line[:col]: message
// lines and resolves each path back to one of the supplied files.
// Unresolvable or ambiguous paths are dropped rather than guessed.
func (self *Runner) resolveDiagnostics(result *RunResult, files map[string]string, workDir string) []Diagnostic {
	paths := make([]string, 0, len(files))
	for path := range files {
		paths = append(paths, path)
	}
	out := []Diagnostic{}
	for _, line := range diagnosticPattern.FindAllStringSubmatch(result.Stdout+"\n"+result.Stderr, -1) {
		raw := strings.TrimPrefix(line[1], workDir+string(filepath.Separator))
		path, ok := resolveDiagnosticPath(filepath.ToSlash(raw), paths)
		if !ok {
			continue
		}
		lineNumber, _ := strconv.Atoi(line[2])
		col := 0
		if line[3] != "" {
			col, _ = strconv.Atoi(line[3])
		}
		out = append(out, Diagnostic{
			Path:    path,
			Line:    lineNumber,
			Col:     col,
			Message: line[4],
		})
	}
	return out
}

func resolveDiagnosticPath(raw string, paths []string) (string, bool) {
	raw = NormalizePath(raw)
	if raw == "" {
		return "", false
	}
	// exact
	for _, path := range paths {
		if path == raw {
			return path, true
		}
	}
	// suffix
	matches := []string{}
	for _, path := range paths {
		if strings.HasSuffix(raw, "/"+path) || strings.HasSuffix(path, "/"+raw) {
			matches = append(matches, path)
		}
	}
	if len(matches) == 1 {
		return matches[0], true
	}
	if 1 < len(matches) {
		return "", false
	}
	// unique basename
	base := raw
	if i := strings.LastIndex(raw, "/"); 0 <= i {
		base = raw[i+1:]
	}
	for _, path := range paths {
		if strings.HasSuffix(path, "/"+base) || path == base {
			matches = append(matches, path)
		}
	}
	if len(matches) == 1 {
		return matches[0], true
	}
	return "", false
}

// limitBuffer is read in the timeout path while the exec copier may
// still be flushing a killed process's pipes, so access is locked.
type limitBuffer struct {
	limit int

	mutex     sync.Mutex
	buf       bytes.Buffer
	truncated bool
}

func newLimitBuffer(limit int) *limitBuffer {
	return &limitBuffer{
		limit: limit,
	}
}

func (self *limitBuffer) Write(p []byte) (int, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	remaining := self.limit - self.buf.Len()
	if remaining <= 0 {
		self.truncated = true
		return len(p), nil
	}
	if remaining < len(p) {
		self.truncated = true
		self.buf.Write(p[:remaining])
		return len(p), nil
	}
	self.buf.Write(p)
	return len(p), nil
}

func (self *limitBuffer) String() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.truncated {
		return self.buf.String() + "\n...[output truncated]..."
	}
	return self.buf.String()
}
