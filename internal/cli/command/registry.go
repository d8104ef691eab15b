package command

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

var sourceFields = []Field{
	{Name: "language", Aliases: []string{"lang"}, Prompt: "language", Type: FieldString, Required: true},
	{Name: "source_file", Aliases: []string{"file"}, Prompt: "source_file", Type: FieldFile, Required: true},
	{Name: "stdin_file", Aliases: []string{"stdin"}, Prompt: "stdin_file", Type: FieldFile},
	{Name: "id", Prompt: "job_id", Type: FieldString},
	{Name: "wall_ms", Aliases: []string{"wall"}, Prompt: "wall_ms", Type: FieldInt64},
	{Name: "cpu_ms", Aliases: []string{"cpu"}, Prompt: "cpu_ms", Type: FieldInt64},
	{Name: "memory_mb", Aliases: []string{"mem"}, Prompt: "memory_mb", Type: FieldInt64},
	{Name: "output_bytes", Aliases: []string{"output"}, Prompt: "output_bytes", Type: FieldInt64},
	{Name: "cases_file", Aliases: []string{"cases"}, Prompt: "cases_file", Type: FieldFile},
}

// Registry returns all CLI commands keyed by name.
func Registry() map[string]Command {
	commands := []Command{
		{
			Name:         "run",
			Usage:        "run <language> <source_file> [stdin_file] [wall_ms=..] [memory_mb=..] [cases=..]",
			Method:       "POST",
			PathTemplate: "/api/v1/executions",
			Fields:       sourceFields,
		},
		{
			Name:         "stream",
			Usage:        "stream <language> <source_file> [stdin_file]",
			Method:       "GET",
			PathTemplate: "/api/v1/executions/ws",
			Stream:       true,
			Fields:       sourceFields,
		},
		{
			Name:         "submit",
			Usage:        "submit <language> <source_file> [stdin_file] [id=..] [cases=..]",
			Method:       "POST",
			PathTemplate: "/api/v1/jobs",
			Fields:       sourceFields,
		},
		{
			Name:         "status",
			Usage:        "status [job_id]",
			Method:       "GET",
			PathTemplate: "/api/v1/jobs/:id",
			Fields: []Field{
				{Name: "id", Aliases: []string{"job_id"}, Prompt: "job_id", Type: FieldString, Required: true},
			},
		},
		{
			Name:         "languages",
			Usage:        "languages",
			Method:       "GET",
			PathTemplate: "/api/v1/languages",
		},
		{
			Name:         "health",
			Usage:        "health",
			Method:       "GET",
			PathTemplate: "/healthz",
		},
	}

	registry := make(map[string]Command, len(commands))
	for _, cmd := range commands {
		registry[cmd.Name] = cmd
	}
	return registry
}

// BuildRequest builds the HTTP request for a command.
func BuildRequest(cmd Command, params Params) (RequestSpec, error) {
	path, err := buildPath(cmd.PathTemplate, params)
	if err != nil {
		return RequestSpec{}, err
	}
	payload, err := buildPayload(cmd, params)
	if err != nil {
		return RequestSpec{}, err
	}
	var body []byte
	if payload != nil {
		body, err = json.Marshal(payload)
		if err != nil {
			return RequestSpec{}, fmt.Errorf("marshal payload failed: %w", err)
		}
	}
	return RequestSpec{Method: cmd.Method, Path: path, Body: body}, nil
}

func buildPath(template string, params Params) (string, error) {
	segments := strings.Split(template, "/")
	for i, seg := range segments {
		if !strings.HasPrefix(seg, ":") {
			continue
		}
		name := strings.TrimPrefix(seg, ":")
		value := params.Get(name)
		if value == "" {
			return "", fmt.Errorf("missing path param: %s", name)
		}
		segments[i] = url.PathEscape(value)
	}
	return strings.Join(segments, "/"), nil
}

func buildPayload(cmd Command, params Params) (interface{}, error) {
	switch cmd.Name {
	case "run", "stream", "submit":
		return buildJobPayload(params)
	}
	return nil, nil
}

func buildJobPayload(params Params) (interface{}, error) {
	source, err := ReadFile(params.Get("source_file"))
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(source) == "" {
		return nil, fmt.Errorf("source file is empty")
	}
	payload := map[string]interface{}{
		"language": params.Get("language"),
		"source":   source,
	}
	if id := params.Get("id"); id != "" {
		payload["id"] = id
	}
	if path := params.Get("stdin_file"); path != "" {
		stdin, err := ReadFile(path)
		if err != nil {
			return nil, err
		}
		payload["stdin"] = stdin
	}
	if path := params.Get("cases_file"); path != "" {
		raw, err := ReadFile(path)
		if err != nil {
			return nil, err
		}
		var cases []json.RawMessage
		if err := json.Unmarshal([]byte(raw), &cases); err != nil {
			return nil, fmt.Errorf("cases file must hold a JSON array: %w", err)
		}
		payload["cases"] = cases
	}

	limits := map[string]int64{}
	for _, lf := range []struct {
		param string
		key   string
		scale int64
	}{
		{"wall_ms", "wall_time_ms", 1},
		{"cpu_ms", "cpu_time_ms", 1},
		{"memory_mb", "memory_bytes", 1 << 20},
		{"output_bytes", "max_output_bytes", 1},
	} {
		raw := params.Get(lf.param)
		if raw == "" {
			continue
		}
		v, err := ParseInt64(raw)
		if err != nil || v <= 0 {
			return nil, fmt.Errorf("invalid %s: %q", lf.param, raw)
		}
		limits[lf.key] = v * lf.scale
	}
	if len(limits) > 0 {
		payload["limits"] = limits
	}
	return payload, nil
}
