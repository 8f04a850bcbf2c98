package core

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func newTestRunner(t *testing.T) *Runner {
	settings := DefaultRunnerSettings()
	settings.WorkRoot = t.TempDir()
	return NewRunner(settings)
}

func TestRunnerShellProgram(t *testing.T) {
	runner := newTestRunner(t)
	result, err := runner.Run(context.Background(), &RunRequest{
		EntryFile: "main.sh",
		Files: map[string]string{
			"main.sh": "echo hello\necho oops >&2\n",
		},
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, true, result.Ok)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, "hello\n", result.Stdout)
	assert.Equal(t, "oops\n", result.Stderr)
}

func TestRunnerExitCode(t *testing.T) {
	runner := newTestRunner(t)
	result, err := runner.Run(context.Background(), &RunRequest{
		EntryFile: "main.sh",
		Files: map[string]string{
			"main.sh": "exit 7\n",
		},
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, false, result.Ok)
	assert.Equal(t, 7, result.ExitCode)
}

func TestRunnerTimeout(t *testing.T) {
	runner := newTestRunner(t)
	start := time.Now()
	result, err := runner.Run(context.Background(), &RunRequest{
		EntryFile: "main.sh",
		Files: map[string]string{
			"main.sh": "echo before\nsleep 30\necho after\n",
		},
		Timeout: 500 * time.Millisecond,
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, false, result.Ok)
	assert.Equal(t, true, result.TimedOut)
	assert.Equal(t, 124, result.ExitCode)
	assert.Equal(t, "before\n", result.Stdout)
	if elapsed := time.Since(start); 5*time.Second < elapsed {
		t.Fatalf("timeout not enforced, run took %s", elapsed)
	}
}

func TestRunnerCancel(t *testing.T) {
	runner := newTestRunner(t)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()
	_, err := runner.Run(ctx, &RunRequest{
		EntryFile: "main.sh",
		Files: map[string]string{
			"main.sh": "sleep 30\n",
		},
	})
	assert.Equal(t, ErrRunCancelled, err)
}

func TestRunnerUnsupportedTarget(t *testing.T) {
	runner := newTestRunner(t)
	_, err := runner.Run(context.Background(), &RunRequest{
		EntryFile: "main.zig",
		Files: map[string]string{
			"main.zig": "pub fn main() void {}\n",
		},
	})
	assert.Equal(t, ErrUnsupportedTarget, err)
}

func TestRunnerGuards(t *testing.T) {
	runner := NewRunner(&RunnerSettings{
		MaxFiles:       2,
		MaxFileBytes:   16,
		MaxTotalBytes:  24,
		MaxOutputBytes: 1024,
		DefaultTimeout: time.Second,
		KillGrace:      time.Second,
		WorkRoot:       t.TempDir(),
	})

	// no files
	result, err := runner.Run(context.Background(), &RunRequest{EntryFile: "main.sh"})
	assert.Equal(t, nil, err)
	assert.Equal(t, 2, result.ExitCode)

	// too many files
	result, _ = runner.Run(context.Background(), &RunRequest{
		EntryFile: "main.sh",
		Files:     map[string]string{"a.sh": "", "b.sh": "", "c.sh": ""},
	})
	assert.Equal(t, false, result.Ok)

	// file over the per-file cap
	result, _ = runner.Run(context.Background(), &RunRequest{
		EntryFile: "main.sh",
		Files:     map[string]string{"main.sh": strings.Repeat("x", 17)},
	})
	assert.Equal(t, false, result.Ok)

	// traversal outside the workspace
	result, _ = runner.Run(context.Background(), &RunRequest{
		EntryFile: "main.sh",
		Files:     map[string]string{"main.sh": "", "../evil.sh": ""},
	})
	assert.Equal(t, false, result.Ok)

	// entry not in the file set
	result, _ = runner.Run(context.Background(), &RunRequest{
		EntryFile: "missing.sh",
		Files:     map[string]string{"main.sh": ""},
	})
	assert.Equal(t, false, result.Ok)
	assert.Equal(t, 2, result.ExitCode)
}

func TestRunnerOutputTruncated(t *testing.T) {
	settings := DefaultRunnerSettings()
	settings.WorkRoot = t.TempDir()
	settings.MaxOutputBytes = 64
	runner := NewRunner(settings)

	result, err := runner.Run(context.Background(), &RunRequest{
		EntryFile: "main.sh",
		Files: map[string]string{
			"main.sh": "i=0\nwhile [ $i -lt 100 ]; do echo aaaaaaaaaaaaaaaa; i=$((i+1)); done\n",
		},
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, true, strings.HasSuffix(result.Stdout, "...[output truncated]..."))
	if 200 < len(result.Stdout) {
		t.Fatalf("stdout not capped: %d bytes", len(result.Stdout))
	}
}

func TestRunnerWorkspaceCleanup(t *testing.T) {
	workRoot := t.TempDir()
	settings := DefaultRunnerSettings()
	settings.WorkRoot = workRoot
	runner := NewRunner(settings)

	_, err := runner.Run(context.Background(), &RunRequest{
		EntryFile: "main.sh",
		Files: map[string]string{
			"main.sh":       "cat data/note.txt\n",
			"data/note.txt": "payload",
		},
	})
	assert.Equal(t, nil, err)

	entries, err := os.ReadDir(workRoot)
	assert.Equal(t, nil, err)
	assert.Equal(t, 0, len(entries))
}

func TestRunnerDiagnostics(t *testing.T) {
	runner := newTestRunner(t)
	result, err := runner.Run(context.Background(), &RunRequest{
		EntryFile: "main.sh",
		Files: map[string]string{
			"main.sh": "echo 'main.sh:3: boom' >&2\necho 'vendor/ghost.sh:9: who' >&2\nexit 1\n",
		},
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, len(result.Diagnostics))
	assert.Equal(t, "main.sh", result.Diagnostics[0].Path)
	assert.Equal(t, 3, result.Diagnostics[0].Line)
	assert.Equal(t, "boom", result.Diagnostics[0].Message)
}

func TestLimitBufferConcurrent(t *testing.T) {
	// the timeout path reads the buffer while a killed process's pipes
	// may still be draining into it
	buffer := newLimitBuffer(256)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i += 1 {
			buffer.Write([]byte("chunk of output\n"))
		}
	}()
	for i := 0; i < 100; i += 1 {
		_ = buffer.String()
	}
	<-done
	out := buffer.String()
	assert.Equal(t, true, strings.HasSuffix(out, "...[output truncated]..."))
}

func TestResolveDiagnosticPath(t *testing.T) {
	paths := []string{"main.py", "src/app.py", "src/util.py", "lib/util.py"}

	path, ok := resolveDiagnosticPath("main.py", paths)
	assert.Equal(t, true, ok)
	assert.Equal(t, "main.py", path)

	// compiler-reported absolute-ish path resolves by suffix
	path, ok = resolveDiagnosticPath("workspace/src/app.py", paths)
	assert.Equal(t, true, ok)
	assert.Equal(t, "src/app.py", path)

	// unique basename
	path, ok = resolveDiagnosticPath("app.py", paths)
	assert.Equal(t, true, ok)
	assert.Equal(t, "src/app.py", path)

	// ambiguous basename is dropped
	_, ok = resolveDiagnosticPath("util.py", paths)
	assert.Equal(t, false, ok)

	// unknown path is dropped
	_, ok = resolveDiagnosticPath("nope.py", paths)
	assert.Equal(t, false, ok)

	_, ok = resolveDiagnosticPath("", paths)
	assert.Equal(t, false, ok)
}
