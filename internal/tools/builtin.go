package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"syscall"
	"time"

	"codi/internal/logging"
)

// Output and traversal limits for the builtin tools.
const (
	maxReadBytes   = 256 * 1024
	maxBashOutput  = 64 * 1024
	maxGrepMatches = 200
	maxGlobResults = 500
	bashTimeout    = 2 * time.Minute
)

// Builtin assembles the standard tool registry.
func Builtin() *Registry {
	return NewBuilder().
		Register(readTool()).
		Register(writeTool()).
		Register(editTool()).
		Register(listTool()).
		Register(grepTool()).
		Register(globTool()).
		Register(bashTool()).
		MustBuild()
}

func readTool() *Tool {
	return &Tool{
		Name:        "read",
		Description: "Read a file's contents. Large files are truncated.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"File path to read"}},"required":["path"]}`),
		ReadOnly:    true,
		Subject:     func(input json.RawMessage) string { return stringField(input, "path") },
		Execute: func(ctx context.Context, input json.RawMessage, env *Env) (string, error) {
			var args struct {
				Path string `json:"path"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return "", err
			}
			path, err := env.ResolvePath(args.Path)
			if err != nil {
				return "", err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return "", err
			}
			if len(data) > maxReadBytes {
				return string(data[:maxReadBytes]) + "\n... [truncated]", nil
			}
			return string(data), nil
		},
	}
}

func writeTool() *Tool {
	return &Tool{
		Name:        "write",
		Description: "Write content to a file, creating parent directories as needed.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"},"content":{"type":"string"}},"required":["path","content"]}`),
		Subject:     func(input json.RawMessage) string { return stringField(input, "path") },
		Execute: func(ctx context.Context, input json.RawMessage, env *Env) (string, error) {
			var args struct {
				Path    string `json:"path"`
				Content string `json:"content"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return "", err
			}
			path, err := env.ResolvePath(args.Path)
			if err != nil {
				return "", err
			}
			if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
				return "", err
			}
			if err := os.WriteFile(path, []byte(args.Content), 0644); err != nil {
				return "", err
			}
			return fmt.Sprintf("Wrote %d bytes to %s", len(args.Content), args.Path), nil
		},
	}
}

func editTool() *Tool {
	return &Tool{
		Name:        "edit",
		Description: "Replace an exact string in a file. The old string must appear exactly once.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"},"old":{"type":"string"},"new":{"type":"string"}},"required":["path","old","new"]}`),
		Subject:     func(input json.RawMessage) string { return stringField(input, "path") },
		Execute: func(ctx context.Context, input json.RawMessage, env *Env) (string, error) {
			var args struct {
				Path string `json:"path"`
				Old  string `json:"old"`
				New  string `json:"new"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return "", err
			}
			path, err := env.ResolvePath(args.Path)
			if err != nil {
				return "", err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return "", err
			}
			content := string(data)
			switch strings.Count(content, args.Old) {
			case 0:
				return "", fmt.Errorf("old string not found in %s", args.Path)
			case 1:
			default:
				return "", fmt.Errorf("old string appears multiple times in %s; provide more context", args.Path)
			}
			content = strings.Replace(content, args.Old, args.New, 1)
			if err := os.WriteFile(path, []byte(content), 0644); err != nil {
				return "", err
			}
			return fmt.Sprintf("Edited %s", args.Path), nil
		},
	}
}

func listTool() *Tool {
	return &Tool{
		Name:        "list",
		Description: "List the entries of a directory.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"Directory to list, defaults to the working directory"}}}`),
		ReadOnly:    true,
		Subject:     func(input json.RawMessage) string { return stringField(input, "path") },
		Execute: func(ctx context.Context, input json.RawMessage, env *Env) (string, error) {
			var args struct {
				Path string `json:"path"`
			}
			json.Unmarshal(input, &args)
			if args.Path == "" {
				args.Path = "."
			}
			path, err := env.ResolvePath(args.Path)
			if err != nil {
				return "", err
			}
			entries, err := os.ReadDir(path)
			if err != nil {
				return "", err
			}
			var b strings.Builder
			for _, e := range entries {
				if e.IsDir() {
					b.WriteString(e.Name() + "/\n")
				} else {
					b.WriteString(e.Name() + "\n")
				}
			}
			return b.String(), nil
		},
	}
}

func grepTool() *Tool {
	return &Tool{
		Name:        "grep",
		Description: "Search file contents with a regular expression.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"pattern":{"type":"string"},"path":{"type":"string","description":"Directory to search, defaults to the working directory"}},"required":["pattern"]}`),
		ReadOnly:    true,
		Subject:     func(input json.RawMessage) string { return stringField(input, "pattern") },
		Execute: func(ctx context.Context, input json.RawMessage, env *Env) (string, error) {
			var args struct {
				Pattern string `json:"pattern"`
				Path    string `json:"path"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return "", err
			}
			re, err := regexp.Compile(args.Pattern)
			if err != nil {
				return "", fmt.Errorf("invalid pattern: %w", err)
			}
			if args.Path == "" {
				args.Path = "."
			}
			root, err := env.ResolvePath(args.Path)
			if err != nil {
				return "", err
			}

			var b strings.Builder
			matches := 0
			err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
				if err != nil || matches >= maxGrepMatches {
					return filepath.SkipAll
				}
				if d.IsDir() {
					if skipDir(d.Name()) {
						return filepath.SkipDir
					}
					return nil
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				data, err := os.ReadFile(path)
				if err != nil || len(data) > 1<<20 {
					return nil
				}
				rel, _ := filepath.Rel(root, path)
				for i, line := range strings.Split(string(data), "\n") {
					if re.MatchString(line) {
						b.WriteString(fmt.Sprintf("%s:%d: %s\n", rel, i+1, strings.TrimSpace(line)))
						matches++
						if matches >= maxGrepMatches {
							break
						}
					}
				}
				return nil
			})
			if err != nil && err != filepath.SkipAll {
				return "", err
			}
			if matches == 0 {
				return "No matches found.", nil
			}
			return b.String(), nil
		},
	}
}

func globTool() *Tool {
	return &Tool{
		Name:        "glob",
		Description: "Find files matching a glob pattern; ** crosses directories.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"pattern":{"type":"string"}},"required":["pattern"]}`),
		ReadOnly:    true,
		Subject:     func(input json.RawMessage) string { return stringField(input, "pattern") },
		Execute: func(ctx context.Context, input json.RawMessage, env *Env) (string, error) {
			var args struct {
				Pattern string `json:"pattern"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return "", err
			}
			if args.Pattern == "" {
				return "", fmt.Errorf("pattern is required")
			}

			var found []string
			err := filepath.WalkDir(env.WorkDir, func(path string, d fs.DirEntry, err error) error {
				if err != nil || len(found) >= maxGlobResults {
					return filepath.SkipAll
				}
				if d.IsDir() {
					if skipDir(d.Name()) {
						return filepath.SkipDir
					}
					return nil
				}
				rel, err := filepath.Rel(env.WorkDir, path)
				if err != nil {
					return nil
				}
				rel = filepath.ToSlash(rel)
				if matchGlobPattern(args.Pattern, rel) {
					found = append(found, rel)
				}
				return nil
			})
			if err != nil && err != filepath.SkipAll {
				return "", err
			}
			if len(found) == 0 {
				return "No files matched.", nil
			}
			sort.Strings(found)
			return strings.Join(found, "\n"), nil
		},
	}
}

func bashTool() *Tool {
	return &Tool{
		Name:        "bash",
		Description: "Run a shell command in the working directory.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"command":{"type":"string"}},"required":["command"]}`),
		Subject:     func(input json.RawMessage) string { return stringField(input, "command") },
		Execute: func(ctx context.Context, input json.RawMessage, env *Env) (string, error) {
			var args struct {
				Command string `json:"command"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return "", err
			}
			if args.Command == "" {
				return "", fmt.Errorf("command is required")
			}

			timer := logging.StartTimer(logging.CategoryTools, "bash")
			defer timer.Stop()

			cctx, cancel := context.WithTimeout(ctx, bashTimeout)
			defer cancel()

			cmd := exec.CommandContext(cctx, "bash", "-c", args.Command)
			cmd.Dir = env.WorkDir
			// Own process group so a cancel kills the whole pipeline, not
			// just the shell.
			cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
			cmd.Cancel = func() error {
				return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
			}

			out, err := cmd.CombinedOutput()
			if len(out) > maxBashOutput {
				out = append(out[:maxBashOutput], []byte("\n... [truncated]")...)
			}
			if err != nil {
				return "", &ToolError{Tool: "bash", Detail: fmt.Errorf("%w\n%s", err, out)}
			}
			return string(out), nil
		},
	}
}

// skipDir filters directories no tool should descend into.
func skipDir(name string) bool {
	switch name {
	case ".git", "node_modules", "dist", "build", "target", "vendor", ".venv", "venv", "__pycache__", ".next":
		return true
	}
	return false
}

// matchGlobPattern matches a slash-separated relative path against a glob
// with ** support.
func matchGlobPattern(pattern, rel string) bool {
	if !strings.Contains(pattern, "/") {
		if ok, _ := filepath.Match(pattern, filepath.Base(rel)); ok {
			return true
		}
	}
	return matchGlobSegments(strings.Split(pattern, "/"), strings.Split(rel, "/"))
}

func matchGlobSegments(pattern, segs []string) bool {
	if len(pattern) == 0 {
		return len(segs) == 0
	}
	if pattern[0] == "**" {
		for skip := 0; skip <= len(segs); skip++ {
			if matchGlobSegments(pattern[1:], segs[skip:]) {
				return true
			}
		}
		return false
	}
	if len(segs) == 0 {
		return false
	}
	if ok, err := filepath.Match(pattern[0], segs[0]); err != nil || !ok {
		return false
	}
	return matchGlobSegments(pattern[1:], segs[1:])
}
