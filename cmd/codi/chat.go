package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"codi/internal/agent"
	"codi/internal/budget"
	"codi/internal/config"
	"codi/internal/permission"
	"codi/internal/provider"
	"codi/internal/retrieval"
	"codi/internal/session"
	"codi/internal/tokens"
	"codi/internal/tools"
	"codi/internal/types"

	"codi/cmd/codi/ui"
)

const parentSystemPrompt = `You are codi, a terminal coding assistant. You can read and modify the
user's project through tools. Prefer small, verifiable changes. When code
context is provided, ground your answers in it.`

// runChat is the default interactive mode.
func runChat(ctx context.Context) error {
	root := projectRoot()
	cfg, err := config.Load(root)
	if err != nil {
		return err
	}

	console := ui.NewConsole(os.Stdin, os.Stdout)

	modelProvider, err := buildProvider(flagModel)
	if err != nil {
		return err
	}

	// RAG is best-effort: chat still works without an embedding backend.
	var ragRetriever *retrieval.Retriever
	engine, err := buildEngine(root, cfg)
	if err != nil {
		console.Status("retrieval disabled: %v", err)
	} else {
		store, err := openStore(root, engine)
		if err != nil {
			return err
		}
		ix := buildIndexer(root, cfg, store, engine)
		if err := ix.Start(ctx); err != nil {
			console.Status("indexing failed: %v", err)
		} else {
			defer ix.Stop()
		}
		ragRetriever, err = buildRetriever(cfg, store, engine)
		if err != nil {
			return err
		}
	}

	est := tokens.NewEstimator()
	budgetMgr := budget.NewManager(flagModel, est, &chatSummarizer{modelProvider})
	loop := agent.New(agent.Config{
		Provider:     modelProvider,
		Registry:     tools.Builtin(),
		Permissions:  permission.NewEngine(cfg.ApprovalPatterns, cfg.DangerousPatterns),
		Budget:       budgetMgr,
		Estimator:    est,
		Retriever:    ragRetriever,
		Gateway:      console,
		Env:          &tools.Env{WorkDir: root},
		SystemPrompt: parentSystemPrompt,
		OnEvent:      console.HandleEvent,
	})

	sessions := session.NewStore(root + "/.codi/sessions")

	console.Status("codi ready (%s). /help for commands, ctrl-d to exit.", modelProvider.Name())
	for {
		console.Prompt()
		line, err := console.ReadLine(ctx)
		if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
			fmt.Println()
			return nil
		}
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			if quit := handleSlash(ctx, console, loop, budgetMgr, sessions, line); quit {
				return nil
			}
			continue
		}

		if _, err := loop.RunTurn(ctx, line); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			console.Error("turn failed: %v", err)
			loop.Reset()
		}
	}
}

// handleSlash dispatches the thin built-in command set. Returns true to
// exit.
func handleSlash(ctx context.Context, console *ui.Console, loop *agent.Loop, budgetMgr *budget.Manager, sessions *session.Store, line string) bool {
	cmd, arg, _ := strings.Cut(strings.TrimPrefix(line, "/"), " ")
	switch cmd {
	case "quit", "exit":
		return true
	case "help":
		console.Status("/status  token usage\n/compact force compaction\n/save <name>  /load <name>\n/quit")
	case "status":
		report := budgetMgr.Status(loop.Messages(), parentSystemPrompt, nil)
		console.Result("tokens: %d / %d (%.0f%%, %s)", report.TotalTokens, report.MaxTokens,
			report.UsagePercent*100, report.Tier)
		for role, n := range report.MessagesByRole {
			console.Status("  %s messages: %d", role, n)
		}
		if report.CompressionRatio > 0 {
			console.Status("  compression: %.2fx over %d entities", report.CompressionRatio, report.EntityCount)
		}
	case "compact":
		compacted, err := budgetMgr.Compact(ctx, loop.Messages())
		if err != nil {
			console.Error("compact: %v", err)
			break
		}
		loop.ReplaceMessages(compacted)
		console.Result("compacted to %d messages", len(compacted))
	case "save":
		if arg == "" {
			console.Error("usage: /save <name>")
			break
		}
		err := sessions.Save(&session.Session{Name: arg, Messages: loop.Messages()})
		if err != nil {
			console.Error("save: %v", err)
		} else {
			console.Result("saved session %s", arg)
		}
	case "load":
		if arg == "" {
			console.Error("usage: /load <name>")
			break
		}
		sess, err := sessions.Load(arg)
		if err != nil {
			console.Error("load: %v", err)
			break
		}
		loop.ReplaceMessages(sess.Messages)
		console.Result("loaded session %s (%d messages)", arg, len(sess.Messages))
	default:
		console.Error("unknown command: /%s", cmd)
	}
	return false
}

// chatSummarizer adapts the provider for compaction summary calls.
type chatSummarizer struct {
	p provider.ModelProvider
}

func (s *chatSummarizer) Complete(ctx context.Context, system, prompt string) (string, error) {
	resp, err := s.p.Complete(ctx, &provider.Request{
		SystemPrompt: system,
		Messages:     []types.Message{types.UserMessage(prompt)},
	})
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, blk := range resp.Blocks {
		if blk.Type == types.BlockText {
			b.WriteString(blk.Text)
		}
	}
	return b.String(), nil
}
