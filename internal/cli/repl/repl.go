package repl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"execbox/internal/cli/command"
	httpclient "execbox/internal/cli/http"
	"execbox/internal/cli/state"
	pkgerrors "execbox/pkg/errors"

	"github.com/chzyer/readline"
	"github.com/google/shlex"
)

const prompt = "execbox> "

// LineReader is the line editor the session reads from.
type LineReader interface {
	Readline() (string, error)
	SetPrompt(prompt string)
}

// Session holds REPL state.
type Session struct {
	client     *httpclient.Client
	commands   map[string]command.Command
	state      *state.SessionState
	statePath  string
	prettyJSON bool
	in         LineReader
	out        io.Writer
}

func New(client *httpclient.Client, commands map[string]command.Command, st *state.SessionState, statePath string, prettyJSON bool, in LineReader, out io.Writer) *Session {
	return &Session{
		client:     client,
		commands:   commands,
		state:      st,
		statePath:  statePath,
		prettyJSON: prettyJSON,
		in:         in,
		out:        out,
	}
}

// Completer offers command names for tab completion.
func Completer(commands map[string]command.Command) *readline.PrefixCompleter {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	names = append(names, "help", "exit", "set", "show")
	sort.Strings(names)
	items := make([]readline.PrefixCompleterInterface, 0, len(names))
	for _, name := range names {
		items = append(items, readline.PcItem(name))
	}
	return readline.NewPrefixCompleter(items...)
}

// Run reads commands until exit, EOF or ctx ends.
func (s *Session) Run(ctx context.Context) {
	for ctx.Err() == nil {
		s.in.SetPrompt(prompt)
		line, err := s.in.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.printLine("read input failed: %v", err)
			}
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			s.printLine("bye")
			return
		}
		if s.handleSystemCommand(line) {
			continue
		}
		if err := s.handleCommand(ctx, line); err != nil {
			s.printLine("error: %v", err)
		}
	}
}

func (s *Session) handleSystemCommand(line string) bool {
	if line == "help" {
		s.printHelp()
		return true
	}
	if strings.HasPrefix(line, "set ") {
		s.handleSet(strings.TrimSpace(strings.TrimPrefix(line, "set ")))
		return true
	}
	if strings.HasPrefix(line, "show ") {
		s.handleShow(strings.TrimSpace(strings.TrimPrefix(line, "show ")))
		return true
	}
	return false
}

func (s *Session) handleSet(args string) {
	parts := strings.Fields(args)
	if len(parts) == 0 {
		s.printLine("usage: set base|timeout")
		return
	}
	switch parts[0] {
	case "base":
		if len(parts) < 2 {
			s.printLine("usage: set base http://127.0.0.1:8090")
			return
		}
		s.client.SetBaseURL(parts[1])
		s.printLine("base set to %s", parts[1])
	case "timeout":
		if len(parts) < 2 {
			s.printLine("usage: set timeout 60s")
			return
		}
		dur, err := time.ParseDuration(parts[1])
		if err != nil {
			s.printLine("invalid duration: %v", err)
			return
		}
		s.client.SetTimeout(dur)
		s.printLine("timeout set to %s", dur)
	default:
		s.printLine("unknown set command")
	}
}

func (s *Session) handleShow(args string) {
	switch args {
	case "last":
		if s.state.LastJobID == "" {
			s.printLine("last job: <none>")
			return
		}
		s.printLine("last job: %s (submitted %s)", s.state.LastJobID, s.state.SubmittedAt.Format(time.RFC3339))
	case "config":
		s.printLine("base: %s", s.client.BaseURL())
		s.printLine("statePath: %s", s.statePath)
	default:
		s.printLine("usage: show last|config")
	}
}

func (s *Session) handleCommand(ctx context.Context, line string) error {
	tokens, err := shlex.Split(line)
	if err != nil {
		return fmt.Errorf("parse command failed: %w", err)
	}
	if len(tokens) == 0 {
		return nil
	}
	cmd, ok := s.commands[tokens[0]]
	if !ok {
		return fmt.Errorf("unknown command: %s (try help)", tokens[0])
	}
	params, err := command.ParseArgs(cmd, tokens[1:])
	if err != nil {
		return err
	}

	s.applyParamShortcuts(cmd, params)
	if err := s.promptMissing(cmd, params); err != nil {
		return err
	}
	req, err := command.BuildRequest(cmd, params)
	if err != nil {
		return err
	}
	if cmd.Stream {
		return s.client.Stream(ctx, req.Path, req.Body, func(eventType string, raw []byte) {
			s.printLine("[%s]", eventType)
			s.printJSON(raw)
		})
	}
	resp, err := s.client.Do(ctx, req.Method, req.Path, req.Body)
	if err != nil {
		return err
	}
	s.renderResponse(resp)
	if cmd.Name == "submit" {
		s.rememberJob(resp.Body)
	}
	return nil
}

// applyParamShortcuts lets status default to the last submitted job.
func (s *Session) applyParamShortcuts(cmd command.Command, params command.Params) {
	if cmd.Name == "status" && params.Get("id") == "" && s.state.LastJobID != "" {
		params.Set("id", s.state.LastJobID)
	}
}

func (s *Session) promptMissing(cmd command.Command, params command.Params) error {
	for _, field := range cmd.Fields {
		if !field.Required || params.Get(field.Name) != "" {
			continue
		}
		value, err := s.promptValue(field.Prompt)
		if err != nil {
			return err
		}
		if value == "" {
			return fmt.Errorf("%s is required", field.Name)
		}
		params.Set(field.Name, value)
	}
	return nil
}

func (s *Session) promptValue(label string) (string, error) {
	s.in.SetPrompt(label + ": ")
	defer s.in.SetPrompt(prompt)
	line, err := s.in.Readline()
	if err != nil {
		return "", fmt.Errorf("read input failed: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func (s *Session) renderResponse(resp httpclient.ResponseInfo) {
	s.printLine("HTTP %d (%s)", resp.StatusCode, resp.Duration)
	if len(resp.Body) == 0 {
		return
	}
	s.printJSON(resp.Body)
}

func (s *Session) printJSON(body []byte) {
	if s.prettyJSON {
		var raw interface{}
		if err := json.Unmarshal(body, &raw); err == nil {
			formatted, _ := json.MarshalIndent(raw, "", "  ")
			s.printLine("%s", string(formatted))
			return
		}
	}
	s.printLine("%s", string(body))
}

func (s *Session) rememberJob(body []byte) {
	var resp struct {
		Code int `json:"code"`
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return
	}
	if resp.Code != int(pkgerrors.Success) || resp.Data.ID == "" {
		return
	}
	s.state.LastJobID = resp.Data.ID
	s.state.SubmittedAt = time.Now()
	if err := state.Save(s.statePath, *s.state); err != nil {
		s.printLine("save session state failed: %v", err)
	}
}

func (s *Session) printHelp() {
	names := make([]string, 0, len(s.commands))
	for name := range s.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	s.printLine("commands:")
	for _, name := range names {
		s.printLine("  %s", s.commands[name].Usage)
	}
	s.printLine("system: help | exit | set base|timeout | show last|config")
	s.printLine("examples:")
	s.printLine("  run python3 ./main.py ./input.txt wall_ms=2000")
	s.printLine("  submit cpp ./main.cpp id=job-42")
	s.printLine("  status")
}

func (s *Session) printLine(format string, args ...interface{}) {
	_, _ = fmt.Fprintf(s.out, format+"\n", args...)
}
