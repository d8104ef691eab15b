package command

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// FieldType describes input type.
type FieldType int

const (
	FieldString FieldType = iota
	FieldInt64
	FieldFile
)

// Field defines a CLI input field. Positional arguments fill fields in order.
type Field struct {
	Name     string
	Aliases  []string
	Prompt   string
	Type     FieldType
	Required bool
}

// Command defines a CLI command binding.
type Command struct {
	Name         string
	Usage        string
	Method       string
	PathTemplate string
	// Stream sends the body over the WebSocket endpoint instead of HTTP.
	Stream bool
	Fields []Field
}

// RequestSpec is the built HTTP request.
type RequestSpec struct {
	Method string
	Path   string
	Body   []byte
}

// Params holds parsed input params.
type Params map[string]string

func (p Params) Get(key string) string {
	return p[strings.ToLower(key)]
}

func (p Params) Set(key, value string) {
	p[strings.ToLower(key)] = value
}

func (p Params) Has(key string) bool {
	_, ok := p[strings.ToLower(key)]
	return ok
}

func (p Params) Canonicalize(fields []Field) {
	for _, field := range fields {
		for _, alias := range field.Aliases {
			aliasKey := strings.ToLower(alias)
			if value, ok := p[aliasKey]; ok {
				p[strings.ToLower(field.Name)] = value
				delete(p, aliasKey)
			}
		}
	}
}

// ParseArgs splits tokens into key=value params; bare tokens bind to the
// command's fields in declaration order.
func ParseArgs(cmd Command, tokens []string) (Params, error) {
	params := Params{}
	var positional []string
	for _, token := range tokens {
		if k, v, ok := strings.Cut(token, "="); ok && k != "" {
			params.Set(k, v)
			continue
		}
		positional = append(positional, token)
	}
	params.Canonicalize(cmd.Fields)

	pos := 0
	for _, token := range positional {
		for pos < len(cmd.Fields) && params.Has(cmd.Fields[pos].Name) {
			pos++
		}
		if pos >= len(cmd.Fields) {
			return nil, fmt.Errorf("unexpected argument: %s", token)
		}
		params.Set(cmd.Fields[pos].Name, token)
		pos++
	}
	return params, nil
}

func ParseInt64(value string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(value), 10, 64)
}

func ReadFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read file failed: %w", err)
	}
	return string(data), nil
}
