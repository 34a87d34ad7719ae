// Copyright 2026 © The Noesis Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"

	"github.com/noesis-ai/noesis/pkg/audit"
	"github.com/noesis-ai/noesis/pkg/config"
	"github.com/noesis-ai/noesis/pkg/loop"
	noesismcp "github.com/noesis-ai/noesis/pkg/mcp"
	"github.com/noesis-ai/noesis/pkg/telemetry"
	"github.com/noesis-ai/noesis/pkg/tools"
)

const version = "0.1.0"

type globalFlags struct {
	ConfigPath string
	Session    string
	Agent      string
	Timeout    time.Duration
	JSON       bool
	Help       bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	global, args, err := parseGlobalFlags(os.Args[1:])
	if err != nil {
		fatal(err)
	}
	if global.Help || len(args) == 0 {
		printUsage()
		return
	}

	switch args[0] {
	case "version":
		fmt.Println(version)
		return
	case "help":
		printUsage()
		return
	}

	cfg, err := config.Load(global.ConfigPath)
	if err != nil {
		fatal(err)
	}
	logger := telemetry.ConfigureSlog(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	shutdown, err := telemetry.InitWithConfig("noesis", version, telemetry.Config{
		Exporter:     cfg.Telemetry.Exporter,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
	})
	if err != nil {
		fatal(err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdown(shutdownCtx)
	}()

	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		fatal(err)
	}
	defer app.Close()

	switch args[0] {
	case "ask":
		runAsk(ctx, global, app, args[1:])
	case "tools":
		runTools(ctx, global, app, args[1:])
	case "audit":
		runAudit(ctx, global, app, args[1:])
	case "serve":
		runServe(ctx, global, app, args[1:])
	default:
		fatal(fmt.Errorf("unknown command %q", args[0]))
	}
}

func parseGlobalFlags(args []string) (globalFlags, []string, error) {
	flags := globalFlags{
		ConfigPath: getenv("NOESIS_CONFIG", ""),
		Session:    "cli",
		Agent:      "noesis",
		Timeout:    30 * time.Second,
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			return flags, args[i+1:], nil
		}
		if !strings.HasPrefix(arg, "-") {
			return flags, args[i:], nil
		}
		switch {
		case arg == "-h" || arg == "--help":
			flags.Help = true
			return flags, nil, nil
		case arg == "--json":
			flags.JSON = true
		case arg == "--config":
			if i+1 >= len(args) {
				return flags, nil, fmt.Errorf("missing value for --config")
			}
			flags.ConfigPath = args[i+1]
			i++
		case strings.HasPrefix(arg, "--config="):
			flags.ConfigPath = strings.TrimPrefix(arg, "--config=")
		case arg == "--session":
			if i+1 >= len(args) {
				return flags, nil, fmt.Errorf("missing value for --session")
			}
			flags.Session = args[i+1]
			i++
		case strings.HasPrefix(arg, "--session="):
			flags.Session = strings.TrimPrefix(arg, "--session=")
		case arg == "--agent":
			if i+1 >= len(args) {
				return flags, nil, fmt.Errorf("missing value for --agent")
			}
			flags.Agent = args[i+1]
			i++
		case strings.HasPrefix(arg, "--agent="):
			flags.Agent = strings.TrimPrefix(arg, "--agent=")
		case arg == "--timeout":
			if i+1 >= len(args) {
				return flags, nil, fmt.Errorf("missing value for --timeout")
			}
			value, err := time.ParseDuration(args[i+1])
			if err != nil {
				return flags, nil, fmt.Errorf("invalid --timeout: %w", err)
			}
			flags.Timeout = value
			i++
		case strings.HasPrefix(arg, "--timeout="):
			value, err := time.ParseDuration(strings.TrimPrefix(arg, "--timeout="))
			if err != nil {
				return flags, nil, fmt.Errorf("invalid --timeout: %w", err)
			}
			flags.Timeout = value
		default:
			return flags, nil, fmt.Errorf("unknown global flag %q", arg)
		}
	}
	return flags, nil, nil
}

func runAsk(ctx context.Context, global globalFlags, app *app, args []string) {
	cmd := flag.NewFlagSet("ask", flag.ContinueOnError)
	contextText := cmd.String("context", "", "Pre-retrieved context injected into the prompt")
	maxSteps := cmd.Int("max-steps", 0, "Step budget override for this turn")
	wallClock := cmd.Duration("wall-clock", 0, "Wall clock budget override for this turn")
	showTrace := cmd.Bool("trace", false, "Print the reasoning trace")
	var approvals multiFlag
	cmd.Var(&approvals, "approve", "Pre-approve one use of a high risk tool (repeatable)")
	if err := cmd.Parse(args); err != nil {
		fatal(err)
	}
	question := strings.TrimSpace(strings.Join(cmd.Args(), " "))
	if question == "" {
		fatal(errors.New("usage: noesis ask [flags] <question>"))
	}

	rs, err := app.newRunnerSet()
	if err != nil {
		fatal(err)
	}
	for _, tool := range approvals {
		rs.gate.Sessions().Grant(global.Session, tool)
	}

	turn := rs.runner.Run(ctx, loop.TurnInput{
		SessionID: global.Session,
		AgentID:   global.Agent,
		Text:      question,
	}, loop.ContextBundle{
		RetrievedContext: *contextText,
		Budget: loop.Budget{
			MaxSteps:  *maxSteps,
			WallClock: *wallClock,
		},
	})

	if global.JSON {
		printJSON(turn)
		return
	}

	fmt.Println(turn.Output)
	fmt.Println()
	line := fmt.Sprintf("turn=%s outcome=%s steps=%d tokens=%d", turn.ID, turn.Outcome, len(turn.Steps), turn.Usage.TotalTokens)
	if turn.Confidence != nil {
		line += fmt.Sprintf(" confidence=%.2f band=%s", turn.Confidence.Calibrated, turn.Confidence.Band)
	}
	fmt.Println(line)

	if *showTrace {
		writer := newTabWriter()
		writeRow(writer, "STEP", "TYPE", "TOOL", "CONTENT")
		for i, step := range turn.Steps {
			writeRow(writer, fmt.Sprintf("%d", i), string(step.Type), step.Tool, truncate(step.Content, 100))
		}
		_ = writer.Flush()
	}
}

func runTools(ctx context.Context, global globalFlags, app *app, args []string) {
	if len(args) == 0 {
		fatal(errors.New("usage: noesis tools <list|invoke>"))
	}
	switch args[0] {
	case "list":
		ensureNoArgs(args[1:])
		runToolsList(global, app)
	case "invoke":
		runToolInvoke(ctx, global, app, args[1:])
	default:
		fatal(fmt.Errorf("unknown tools subcommand %q", args[0]))
	}
}

func runToolsList(global globalFlags, app *app) {
	defs := app.registry.Definitions()
	if global.JSON {
		out := make([]map[string]any, 0, len(defs))
		for _, def := range defs {
			out = append(out, map[string]any{
				"name":        def.Function.Name,
				"tier":        string(app.registry.TierOf(def.Function.Name)),
				"description": def.Function.Description,
			})
		}
		printJSON(out)
		return
	}
	writer := newTabWriter()
	writeRow(writer, "NAME", "TIER", "DESCRIPTION")
	for _, def := range defs {
		writeRow(writer, def.Function.Name, string(app.registry.TierOf(def.Function.Name)), def.Function.Description)
	}
	_ = writer.Flush()
}

// runToolInvoke calls one tool directly, outside any turn. The call still
// goes through the risk gate; a blocked decision fails the command with a
// typed error instead of flowing back to a model.
func runToolInvoke(ctx context.Context, global globalFlags, app *app, args []string) {
	cmd := flag.NewFlagSet("invoke", flag.ContinueOnError)
	rawArgs := cmd.String("args", "{}", "Tool arguments as a JSON object")
	var approvals multiFlag
	cmd.Var(&approvals, "approve", "Pre-approve one use of a high risk tool (repeatable)")
	if err := cmd.Parse(args); err != nil {
		fatal(err)
	}
	if cmd.NArg() != 1 {
		fatal(errors.New("usage: noesis tools invoke [flags] <name>"))
	}
	name := cmd.Arg(0)

	gate, err := app.newGate()
	if err != nil {
		fatal(err)
	}
	for _, tool := range approvals {
		gate.Sessions().Grant(global.Session, tool)
	}

	decision := gate.Classify(ctx, uuid.NewString(), global.Session, name, *rawArgs)
	if err := decision.Err(); err != nil {
		fatal(err)
	}

	obs := app.registry.Invoke(ctx, name, *rawArgs)
	if global.JSON {
		printJSON(obs)
		return
	}
	if obs.IsError {
		fatal(errors.New(obs.Content))
	}
	fmt.Println(obs.Content)
}

func runAudit(ctx context.Context, global globalFlags, app *app, args []string) {
	if len(args) == 0 {
		fatal(errors.New("usage: noesis audit <decisions|trace|turns>"))
	}
	ctx, cancel := context.WithTimeout(ctx, global.Timeout)
	defer cancel()

	switch args[0] {
	case "decisions":
		cmd := flag.NewFlagSet("audit decisions", flag.ContinueOnError)
		turnID := cmd.String("turn", "", "Filter by turn ID")
		tool := cmd.String("tool", "", "Filter by tool name")
		tier := cmd.String("tier", "", "Filter by risk tier")
		limit := cmd.Int("limit", 20, "Maximum rows")
		if err := cmd.Parse(args[1:]); err != nil {
			fatal(err)
		}
		decisions, err := app.store.ListDecisions(ctx, audit.DecisionFilter{
			TurnID: *turnID,
			Tool:   *tool,
			Tier:   *tier,
			Limit:  *limit,
		})
		if err != nil {
			fatal(err)
		}
		if global.JSON {
			printJSON(decisions)
			return
		}
		writer := newTabWriter()
		writeRow(writer, "CREATED", "TURN", "TOOL", "TIER", "APPROVED", "REASON")
		for _, decision := range decisions {
			writeRow(writer,
				decision.CreatedAt.Format(time.RFC3339),
				decision.TurnID,
				decision.Tool,
				decision.Tier,
				fmt.Sprintf("%t", decision.Approved),
				decision.Reason)
		}
		_ = writer.Flush()
	case "trace":
		cmd := flag.NewFlagSet("audit trace", flag.ContinueOnError)
		if err := cmd.Parse(args[1:]); err != nil {
			fatal(err)
		}
		if cmd.NArg() < 1 {
			fatal(errors.New("usage: noesis audit trace <turn_id>"))
		}
		steps, err := app.store.ListSteps(ctx, cmd.Arg(0))
		if err != nil {
			fatal(err)
		}
		if global.JSON {
			printJSON(steps)
			return
		}
		writer := newTabWriter()
		writeRow(writer, "INDEX", "TYPE", "TOOL", "ERROR", "CONTENT")
		for _, step := range steps {
			writeRow(writer,
				fmt.Sprintf("%d", step.Index),
				step.Type,
				step.Tool,
				fmt.Sprintf("%t", step.IsError),
				truncate(step.Content, 100))
		}
		_ = writer.Flush()
	case "turns":
		cmd := flag.NewFlagSet("audit turns", flag.ContinueOnError)
		sessionID := cmd.String("session", "", "Filter by session ID")
		limit := cmd.Int("limit", 20, "Maximum rows")
		if err := cmd.Parse(args[1:]); err != nil {
			fatal(err)
		}
		turns, err := app.store.ListTurns(ctx, *sessionID, *limit)
		if err != nil {
			fatal(err)
		}
		if global.JSON {
			printJSON(turns)
			return
		}
		writer := newTabWriter()
		writeRow(writer, "CREATED", "TURN", "SESSION", "OUTCOME", "STEPS", "TOKENS", "CONFIDENCE")
		for _, turn := range turns {
			writeRow(writer,
				turn.CreatedAt.Format(time.RFC3339),
				turn.TurnID,
				turn.SessionID,
				turn.Outcome,
				fmt.Sprintf("%d", turn.Steps),
				fmt.Sprintf("%d", turn.TotalTokens),
				fmt.Sprintf("%.2f", turn.Confidence))
		}
		_ = writer.Flush()
	default:
		fatal(fmt.Errorf("unknown audit command %q", args[0]))
	}
}

func runServe(ctx context.Context, global globalFlags, app *app, args []string) {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	addr := cmd.String("addr", "127.0.0.1:9041", "Listen address for the MCP endpoint")
	maxTier := cmd.String("max-tier", "medium", "Highest risk tier exported over MCP")
	if err := cmd.Parse(args); err != nil {
		fatal(err)
	}
	tier, ok := tools.ParseTierStrict(*maxTier)
	if !ok {
		fatal(fmt.Errorf("invalid --max-tier %q", *maxTier))
	}
	if tier == tools.TierCritical {
		fatal(errors.New("critical tools cannot be exported over MCP"))
	}

	srv := noesismcp.NewServer("noesis", version)
	srv.RegisterCapabilities(app.registry, tier)
	httpSrv := srv.StreamableHTTPServer()

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.Start(*addr)
	}()
	fmt.Printf("serving tools up to tier %s on http://%s/mcp\n", tier, *addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil {
			fatal(err)
		}
	}
}

func printJSON(value any) {
	payload, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		fatal(err)
	}
	fmt.Println(string(payload))
}

func newTabWriter() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
}

func writeRow(writer *tabwriter.Writer, cols ...string) {
	for i, col := range cols {
		cols[i] = normalizeCell(col)
	}
	fmt.Fprintln(writer, strings.Join(cols, "\t"))
}

func normalizeCell(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "-"
	}
	return strings.Join(strings.Fields(value), " ")
}

func truncate(value string, limit int) string {
	value = normalizeCell(value)
	if limit <= 3 || len(value) <= limit {
		return value
	}
	return value[:limit-3] + "..."
}

func printUsage() {
	fmt.Println(`Noesis agent core

Usage:
  noesis [global flags] <command> [args]

Global flags:
  --config <path>      Path to config yaml (or NOESIS_CONFIG)
  --session <id>       Session ID for approvals and history (default cli)
  --agent <id>         Agent ID recorded on turns (default noesis)
  --timeout <dur>      Request timeout for audit queries (default 30s)
  --json               JSON output

Commands:
  ask [--context <text>] [--approve <tool>] [--trace]
      [--max-steps N] [--wall-clock <dur>] <question>
  tools list
  tools invoke [--args <json>] [--approve <tool>] <name>
  audit decisions [--turn <id>] [--tool <name>] [--tier <tier>] [--limit N]
  audit trace <turn_id>
  audit turns [--session <id>] [--limit N]
  serve [--addr <host:port>] [--max-tier <tier>]
  version
  help`)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

func ensureNoArgs(args []string) {
	if len(args) > 0 {
		fatal(fmt.Errorf("unexpected args: %v", args))
	}
}

func getenv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

type multiFlag []string

func (m *multiFlag) String() string {
	return strings.Join(*m, ",")
}

func (m *multiFlag) Set(value string) error {
	*m = append(*m, value)
	return nil
}
