package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"execbox/internal/cli/command"
	"execbox/internal/cli/config"
	"execbox/internal/cli/http"
	"execbox/internal/cli/repl"
	"execbox/internal/cli/state"

	"github.com/chzyer/readline"
)

const defaultConfigPath = "configs/cli.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	baseURL := flag.String("base", "", "Override base URL")
	timeout := flag.Duration("timeout", 0, "Override HTTP timeout (e.g. 10s)")
	statePath := flag.String("state", "", "Override session state path")
	pretty := flag.Bool("pretty", false, "Pretty print JSON response")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	if *baseURL != "" {
		cfg.BaseURL = *baseURL
	}
	if *timeout > 0 {
		cfg.Timeout = *timeout
	}
	if *statePath != "" {
		cfg.StatePath = *statePath
	}
	if *pretty {
		trueValue := true
		cfg.PrettyJSON = &trueValue
	}

	sessionState, err := state.Load(cfg.StatePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load session state failed: %v\n", err)
		os.Exit(1)
	}

	commands := command.Registry()
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "execbox> ",
		HistoryFile:     cfg.HistoryPath,
		AutoComplete:    repl.Completer(commands),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "init line editor failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = rl.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	client := httpclient.New(cfg.BaseURL, cfg.Timeout)
	session := repl.New(client, commands, &sessionState, cfg.StatePath, cfg.PrettyJSON != nil && *cfg.PrettyJSON, rl, rl.Stdout())
	session.Run(ctx)
}
