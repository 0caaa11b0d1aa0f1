package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestBuilder_Immutability(t *testing.T) {
	base := Builtin()
	extended, err := From(base).Register(&Tool{
		Name:        "custom",
		Description: "a plugin tool",
		Execute: func(ctx context.Context, input json.RawMessage, env *Env) (string, error) {
			return "ok", nil
		},
	}).Build()
	if err != nil {
		t.Fatalf("extend: %v", err)
	}

	if _, ok := base.Get("custom"); ok {
		t.Errorf("extending must not mutate the base registry")
	}
	if _, ok := extended.Get("custom"); !ok {
		t.Errorf("extended registry missing new tool")
	}
	if _, ok := extended.Get("read"); !ok {
		t.Errorf("extended registry lost base tools")
	}
}

func TestBuilder_DuplicateRejected(t *testing.T) {
	_, err := From(Builtin()).Register(&Tool{
		Name:        "read",
		Description: "dup",
		Execute:     func(ctx context.Context, input json.RawMessage, env *Env) (string, error) { return "", nil },
	}).Build()
	if err == nil {
		t.Errorf("duplicate registration should fail")
	}
}

func TestReadOnlySubset(t *testing.T) {
	ro := Builtin().ReadOnly()
	for _, name := range []string{"write", "edit", "bash"} {
		if _, ok := ro.Get(name); ok {
			t.Errorf("read-only registry should not contain %s", name)
		}
	}
	for _, name := range []string{"read", "grep", "glob", "list"} {
		if _, ok := ro.Get(name); !ok {
			t.Errorf("read-only registry missing %s", name)
		}
	}
}

func TestSubset(t *testing.T) {
	sub := Builtin().Subset([]string{"read", "bash", "ghost"})
	if len(sub.Names()) != 2 {
		t.Errorf("subset names = %v", sub.Names())
	}
}

func TestDefinitions_HaveSchemas(t *testing.T) {
	for _, def := range Builtin().Definitions() {
		if def.Name == "" || def.Description == "" {
			t.Errorf("definition incomplete: %+v", def)
		}
		var schema map[string]any
		if err := json.Unmarshal(def.InputSchema, &schema); err != nil {
			t.Errorf("tool %s schema not valid JSON: %v", def.Name, err)
		}
	}
}

func TestReadWriteEditTools(t *testing.T) {
	dir := t.TempDir()
	env := &Env{WorkDir: dir}
	reg := Builtin()
	ctx := context.Background()

	write, _ := reg.Get("write")
	if _, err := write.Execute(ctx, json.RawMessage(`{"path":"notes/a.txt","content":"hello world"}`), env); err != nil {
		t.Fatalf("write: %v", err)
	}

	read, _ := reg.Get("read")
	out, err := read.Execute(ctx, json.RawMessage(`{"path":"notes/a.txt"}`), env)
	if err != nil || out != "hello world" {
		t.Fatalf("read = %q, %v", out, err)
	}

	edit, _ := reg.Get("edit")
	if _, err := edit.Execute(ctx, json.RawMessage(`{"path":"notes/a.txt","old":"world","new":"codi"}`), env); err != nil {
		t.Fatalf("edit: %v", err)
	}
	out, _ = read.Execute(ctx, json.RawMessage(`{"path":"notes/a.txt"}`), env)
	if out != "hello codi" {
		t.Errorf("after edit: %q", out)
	}

	if _, err := edit.Execute(ctx, json.RawMessage(`{"path":"notes/a.txt","old":"missing","new":"x"}`), env); err == nil {
		t.Errorf("edit of missing string should fail")
	}
}

func TestScopePrefix_Enforced(t *testing.T) {
	root := t.TempDir()
	os.MkdirAll(filepath.Join(root, "allowed"), 0755)
	os.WriteFile(filepath.Join(root, "allowed", "in.txt"), []byte("in"), 0644)
	os.WriteFile(filepath.Join(root, "secret.txt"), []byte("secret"), 0644)

	env := &Env{WorkDir: root, ScopePrefix: filepath.Join(root, "allowed")}
	read, _ := Builtin().Get("read")

	if _, err := read.Execute(context.Background(), json.RawMessage(`{"path":"allowed/in.txt"}`), env); err != nil {
		t.Errorf("in-scope read failed: %v", err)
	}
	if _, err := read.Execute(context.Background(), json.RawMessage(`{"path":"secret.txt"}`), env); err == nil {
		t.Errorf("out-of-scope read should be refused")
	}
	if _, err := read.Execute(context.Background(), json.RawMessage(`{"path":"allowed/../secret.txt"}`), env); err == nil {
		t.Errorf("traversal out of scope should be refused")
	}
}

func TestGrepAndGlobTools(t *testing.T) {
	dir := t.TempDir()
	os.MkdirAll(filepath.Join(dir, "src"), 0755)
	os.WriteFile(filepath.Join(dir, "src", "a.go"), []byte("package a\nfunc Hello() {}\n"), 0644)
	os.WriteFile(filepath.Join(dir, "src", "b.ts"), []byte("export const x = 1\n"), 0644)

	env := &Env{WorkDir: dir}
	reg := Builtin()

	grep, _ := reg.Get("grep")
	out, err := grep.Execute(context.Background(), json.RawMessage(`{"pattern":"func Hello"}`), env)
	if err != nil || !strings.Contains(out, "a.go:2") {
		t.Errorf("grep = %q, %v", out, err)
	}

	glob, _ := reg.Get("glob")
	out, err = glob.Execute(context.Background(), json.RawMessage(`{"pattern":"**/*.go"}`), env)
	if err != nil || !strings.Contains(out, "src/a.go") || strings.Contains(out, "b.ts") {
		t.Errorf("glob = %q, %v", out, err)
	}
}

func TestBashTool_RunsInWorkDir(t *testing.T) {
	dir := t.TempDir()
	env := &Env{WorkDir: dir}
	bash, _ := Builtin().Get("bash")

	out, err := bash.Execute(context.Background(), json.RawMessage(`{"command":"pwd"}`), env)
	if err != nil {
		t.Fatalf("bash: %v", err)
	}
	if !strings.Contains(strings.TrimSpace(out), filepath.Base(dir)) {
		t.Errorf("bash pwd = %q, want dir %q", out, dir)
	}
}

func TestBashTool_FailureBecomesToolError(t *testing.T) {
	env := &Env{WorkDir: t.TempDir()}
	bash, _ := Builtin().Get("bash")
	_, err := bash.Execute(context.Background(), json.RawMessage(`{"command":"exit 3"}`), env)
	if err == nil {
		t.Fatalf("failing command should error")
	}
}

func TestBashTool_CancelKillsProcessGroup(t *testing.T) {
	env := &Env{WorkDir: t.TempDir()}
	bash, _ := Builtin().Get("bash")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		bash.Execute(ctx, json.RawMessage(`{"command":"sleep 30 & sleep 30"}`), env)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("cancelled bash did not return")
	}
}
