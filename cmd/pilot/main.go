// Command pilot is an interactive coding assistant for the terminal. It
// reads requests on stdin, streams the model's work as it happens, and asks
// before performing side effects in the working directory.
package main

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	charmlog "charm.land/log/v2"
	"github.com/spf13/cobra"

	"github.com/martinemde/pilot/agent"
	"github.com/martinemde/pilot/config"
	"github.com/martinemde/pilot/llm"
)

const defaultPreamble = `You are a careful coding assistant working in the user's repository.
Use the available tools to read, search, edit, and run code. Prefer small,
verifiable steps. When a task is self-contained, delegate it to a sub-agent.
Report what you did and what you observed, not what you intended.`

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		model      string
		provider   string
		workDir    string
		autoYes    bool
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "pilot",
		Short: "Interactive coding assistant",
		Long:  "pilot runs an agent loop against a model endpoint, executing tools in your working directory with confirmation.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if model != "" {
				cfg.Model = model
			}
			if provider != "" {
				cfg.Provider = provider
			}
			if workDir != "" {
				cfg.WorkingDir = workDir
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			return run(cfg, autoYes)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "pilot.yaml", "path to the config file")
	cmd.Flags().StringVarP(&model, "model", "m", "", "model name (overrides config)")
	cmd.Flags().StringVar(&provider, "provider", "", "provider name (overrides config)")
	cmd.Flags().StringVarP(&workDir, "workdir", "w", "", "working directory for tools")
	cmd.Flags().BoolVarP(&autoYes, "yes", "y", false, "approve all side-effecting operations without asking")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	return cmd
}

func setupLogging(level string) *slog.Logger {
	charmLevel := charmlog.InfoLevel
	switch strings.ToLower(level) {
	case "debug":
		charmLevel = charmlog.DebugLevel
	case "warn":
		charmLevel = charmlog.WarnLevel
	case "error":
		charmLevel = charmlog.ErrorLevel
	}
	handler := charmlog.NewWithOptions(os.Stderr, charmlog.Options{
		Level:           charmLevel,
		ReportTimestamp: true,
	})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func run(cfg config.Config, autoYes bool) error {
	logger := setupLogging(cfg.LogLevel)

	apiKey := cfg.ResolveAPIKey()
	if apiKey == "" {
		return fmt.Errorf("no API key found: set PILOT_API_KEY or %s_API_KEY", strings.ToUpper(cfg.Provider))
	}

	transport, err := llm.NewGollmTransport(cfg.Provider,
		llm.WithAPIKey(apiKey),
		llm.WithModel(cfg.Model),
		llm.WithMaxTokens(cfg.MaxTokens),
		llm.WithPrimingExchange(true),
	)
	if err != nil {
		return fmt.Errorf("configure %s transport: %w", cfg.Provider, err)
	}
	client := llm.NewClient(llm.WithTransport(transport))

	env := agent.NewLocalEnvironment(cfg.WorkingDir)
	var ask agent.ConfirmFunc
	if !autoYes {
		ask = terminalConfirm
	}
	gate := agent.NewGate(ask)
	dispatcher := agent.NewDispatcher(env, gate)

	loopCfg := agent.Config{
		Model:               cfg.Model,
		Provider:            cfg.Provider,
		Preamble:            defaultPreamble,
		MaxToolRounds:       cfg.MaxToolRounds,
		CompactCeiling:      cfg.CompactCeiling,
		CompactKeepRecent:   cfg.CompactKeepRecent,
		EnableLoopDetection: cfg.LoopDetection,
		ReasoningEffort:     cfg.ReasoningEffort,
	}

	orchestrator := agent.NewOrchestrator(client, env, gate, loopCfg, logger)
	orchestrator.Attach(dispatcher)

	loop, err := agent.NewLoop(client, dispatcher, loopCfg, logger)
	if err != nil {
		return err
	}

	// Ctrl-C cancels the running turn rather than killing the process; a
	// second interrupt while idle exits.
	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for range interrupts {
			phase := loop.Phase()
			if phase == agent.PhaseIdle || phase == agent.PhaseDone || phase == agent.PhaseError {
				fmt.Println("\nbye")
				os.Exit(0)
			}
			loop.CancelTurn()
		}
	}()

	fmt.Printf("pilot · %s/%s · %s\n", cfg.Provider, cfg.Model, env.WorkingDirectory())
	fmt.Println("Type your request, /context for session stats, /history for the transcript, /quit to exit.")

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Print("\n> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch line {
		case "/quit", "/exit":
			return nil
		case "/context":
			printContext(loop.ContextSummary())
			continue
		case "/history":
			printHistory(loop.History())
			continue
		}

		events, err := loop.Submit(line)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		renderEvents(events)
	}
}

func renderEvents(events <-chan agent.Event) {
	inContent := false
	for ev := range events {
		switch ev.Kind {
		case agent.EventThinking:
			if text, ok := ev.Data["text"].(string); ok {
				fmt.Printf("· thinking: %s\n", agent.Excerpt(text, 300, 0))
			}
		case agent.EventToolCalls:
			if names, ok := ev.Data["calls"].([]string); ok {
				fmt.Printf("· running: %s\n", strings.Join(names, ", "))
			}
		case agent.EventToolResult:
			tool, _ := ev.Data["tool"].(string)
			if success, _ := ev.Data["success"].(bool); success {
				fmt.Printf("· %s ok\n", tool)
			} else {
				fmt.Printf("· %s failed\n", tool)
			}
		case agent.EventContent:
			if text, ok := ev.Data["text"].(string); ok {
				fmt.Print(text)
				inContent = true
			}
		case agent.EventNotice:
			if text, ok := ev.Data["text"].(string); ok {
				fmt.Printf("\n! %s\n", text)
			}
		case agent.EventTokenCount:
			// Visible via /context; too noisy inline.
		case agent.EventDone:
			if inContent {
				fmt.Println()
			}
		case agent.EventError:
			msg, _ := ev.Data["error"].(string)
			fmt.Fprintf(os.Stderr, "\nerror: %s\n", msg)
			if hint, ok := ev.Data["remediation"].(string); ok && hint != "" {
				fmt.Fprintf(os.Stderr, "hint: %s\n", hint)
			}
		case agent.EventCancelled:
			fmt.Println("\n(cancelled)")
		}
	}
}

// terminalConfirm asks on the terminal. "a" grants standing acceptance for
// the whole operation class; any other non-yes answer is treated as feedback.
func terminalConfirm(op agent.Operation) agent.Decision {
	fmt.Printf("\n%s", op.Description)
	if op.Detail != "" {
		fmt.Printf("\n%s", op.Detail)
	}
	fmt.Print("\nAllow? [y]es / [a]lways for this kind / [n]o, or type feedback: ")

	reader := bufio.NewReader(os.Stdin)
	answer, err := reader.ReadString('\n')
	if err != nil {
		return agent.Decision{Confirmed: false, Feedback: "no answer"}
	}
	answer = strings.TrimSpace(answer)

	switch strings.ToLower(answer) {
	case "y", "yes":
		return agent.Decision{Confirmed: true}
	case "a", "always":
		return agent.Decision{Confirmed: true, StandingAcceptance: true}
	case "n", "no", "":
		return agent.Decision{Confirmed: false}
	default:
		return agent.Decision{Confirmed: false, Feedback: answer}
	}
}

func printContext(summary agent.ContextSummary) {
	fmt.Printf("messages: %d · approx tokens: %d · phase: %s\n",
		summary.Messages, summary.ApproxTokens, summary.Phase)
	fmt.Printf("session usage: %d in / %d out / %d total\n",
		summary.Usage.InputTokens, summary.Usage.OutputTokens, summary.Usage.TotalTokens)
}

func printHistory(entries []agent.ChatEntry) {
	if len(entries) == 0 {
		fmt.Println("(empty)")
		return
	}
	for _, e := range entries {
		switch e.Kind {
		case agent.EntryUser:
			fmt.Printf("[%s] you: %s\n", e.Timestamp.Format("15:04:05"), e.Text)
		case agent.EntryAssistant:
			fmt.Printf("[%s] pilot: %s\n", e.Timestamp.Format("15:04:05"), agent.Excerpt(e.Text, 500, 0))
		case agent.EntryToolCall:
			fmt.Printf("[%s]   → %s %s\n", e.Timestamp.Format("15:04:05"), e.ToolName, agent.Excerpt(e.Text, 120, 0))
		case agent.EntryToolResult:
			status := "ok"
			if e.IsError {
				status = "error"
			}
			fmt.Printf("[%s]   ← %s: %s\n", e.Timestamp.Format("15:04:05"), status, agent.Excerpt(e.Text, 200, 0))
		}
	}
}
