// Package terminal implements the command-line interface (CLI) mode for the relay.
//
// One terminal is one session: lines read from stdin are queued on an
// agent.Runner and the final answer of each turn is printed to stdout.
// Tool calls and results are shown according to the configured verbosity.
//
// # Usage
//
//	runner := agent.NewRunner(a, cfg.Agent.QueueDepth, cfg.Session.ArchiveDir, log)
//	term := terminal.New(runner, terminal.VerbosityInfo)
//	err := term.Run(ctx, initialPrompt)
//
// # Controls
//
//   - /quit or /exit ends the session
//   - An interrupt (Ctrl-C, delivered through Terminal.Interrupts) cancels the
//     turn in progress; at the prompt it ends the session
//
// # Verbosity Levels
//
//   - none: only answers, warnings and errors are printed
//   - info: tool names are printed when called, failed results are printed
//   - all: tool names, arguments, and every result are printed
package terminal
