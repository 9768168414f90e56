package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/m4xw311/mcprelay/agent"
	"github.com/m4xw311/mcprelay/agent/terminal"
	"github.com/m4xw311/mcprelay/agent/web"
	"github.com/m4xw311/mcprelay/config"
	"github.com/m4xw311/mcprelay/errors"
	"github.com/m4xw311/mcprelay/llm"
	"github.com/m4xw311/mcprelay/logging"
	"github.com/m4xw311/mcprelay/session"
	"github.com/m4xw311/mcprelay/tools"
	"github.com/m4xw311/mcprelay/tools/mcp"
)

type options struct {
	configPath    string
	terminal      bool
	resume        string
	toolVerbosity terminal.Verbosity
	initialPrompt string
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	fs := flag.NewFlagSet("mcprelay", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configFlag := fs.String("c", "", "Path to an extra config file")
	terminalFlag := fs.Bool("terminal", false, "Chat in the terminal instead of serving websockets")
	resumeFlag := fs.String("r", "", "Resume an archived session file (terminal mode)")
	toolVerbosityFlag := fs.String("tool-verbosity", "", "Tool verbosity level: 'none', 'info', or 'all'")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	verbosity, err := terminal.ParseVerbosity(*toolVerbosityFlag)
	if err != nil {
		return options{}, err
	}
	opts := options{
		configPath:    *configFlag,
		terminal:      *terminalFlag,
		resume:        *resumeFlag,
		toolVerbosity: verbosity,
		initialPrompt: strings.Join(fs.Args(), " "),
	}
	if !opts.terminal && (opts.resume != "" || opts.initialPrompt != "") {
		return options{}, errors.New("-r and an initial prompt need -terminal")
	}
	return opts, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %+v\n", err)
		os.Exit(2)
	}

	// Load configuration
	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %+v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.Log)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, opts, log); err != nil {
		fmt.Fprintf(os.Stderr, "mcprelay stopped with an error: %+v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, opts options, log *slog.Logger) error {
	client, err := llm.New(ctx, cfg)
	if err != nil {
		return errors.Wrapf(err, "error initializing %s client", cfg.LLMClient)
	}

	filter, err := tools.NewFilter(cfg.MCP.Tools)
	if err != nil {
		return err
	}
	toolClient := mcp.NewClient(mcp.NewSDKDialer(cfg.MCP, log), tools.NewRegistry(filter, log), cfg.MCP, log)
	defer toolClient.Close()

	// Sessions work without tools until the server comes up; the client
	// reconnects on first use.
	if err := toolClient.Connect(ctx); err != nil {
		log.Warn("tool server unavailable at startup", "kind", errors.KindOf(err), "error", err)
	}
	go toolClient.Start(ctx)

	if !opts.terminal {
		ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
		defer stop()
		return web.New(cfg, client, toolClient, log).ListenAndServe(ctx)
	}

	sess, err := loadSession(opts.resume)
	if err != nil {
		return err
	}
	a := agent.New(cfg, sess, client, toolClient.Registry(), toolClient, log)
	term := terminal.New(agent.NewRunner(a, cfg.Agent.QueueDepth, cfg.Session.ArchiveDir, log), opts.toolVerbosity)

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)
	term.Interrupts = interrupts

	fmt.Printf("mcprelay is ready (%d tools). Type your prompt, /quit to exit.\n", toolClient.Registry().Snapshot().Len())
	return term.Run(ctx, opts.initialPrompt)
}

func loadSession(path string) (*session.Session, error) {
	if path == "" {
		return session.New(""), nil
	}
	sess, err := session.Load(path)
	if err != nil {
		return nil, errors.Wrapf(err, "error resuming session")
	}
	if pending := sess.PendingCalls(); len(pending) > 0 {
		return nil, errors.New("session %s has unanswered tool calls %v", sess.ID(), pending)
	}
	return sess, nil
}
