// Package profile defines the supported languages and their toolchain commands.
package profile

import (
	"strings"

	appErr "execbox/pkg/errors"
)

// Language identifies one supported toolchain. The set is closed.
type Language string

const (
	LanguageC          Language = "c"
	LanguageCPP        Language = "cpp"
	LanguageGo         Language = "go"
	LanguageRust       Language = "rust"
	LanguagePython3    Language = "python3"
	LanguageJavaScript Language = "javascript"
	LanguageJava       Language = "java"
)

var aliases = map[string]Language{
	"c++":    LanguageCPP,
	"cxx":    LanguageCPP,
	"golang": LanguageGo,
	"rs":     LanguageRust,
	"python": LanguagePython3,
	"py":     LanguagePython3,
	"js":     LanguageJavaScript,
	"node":   LanguageJavaScript,
}

// ParseLanguage maps a caller-supplied identifier onto the closed language set.
func ParseLanguage(id string) (Language, error) {
	key := strings.ToLower(strings.TrimSpace(id))
	if key == "" {
		return "", appErr.ValidationError("language", "required")
	}
	if lang, ok := aliases[key]; ok {
		return lang, nil
	}
	lang := Language(key)
	if _, ok := defaultTable[lang]; !ok {
		return "", appErr.Newf(appErr.LanguageNotSupported, "language %q is not supported", id)
	}
	return lang, nil
}

// Languages returns the supported set in a stable order.
func Languages() []Language {
	return []Language{
		LanguageC,
		LanguageCPP,
		LanguageGo,
		LanguageRust,
		LanguagePython3,
		LanguageJavaScript,
		LanguageJava,
	}
}

// LanguageSpec defines how to compile and run a language.
// Templates may reference {src}, {bin} and {workdir}.
type LanguageSpec struct {
	Language      Language
	Name          string
	SourceFile    string
	BinaryFile    string
	CompileCmdTpl string
	RunCmdTpl     string
	Env           []string
}

// Compiled reports whether the language has a compile step. For interpreted
// languages that step only checks syntax.
func (s LanguageSpec) Compiled() bool {
	return s.CompileCmdTpl != ""
}

var baseEnv = []string{
	"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
	"HOME={workdir}",
	"TMPDIR={workdir}",
	"LANG=C.UTF-8",
}

var defaultTable = map[Language]LanguageSpec{
	LanguageC: {
		Name:          "C (gcc)",
		SourceFile:    "main.c",
		BinaryFile:    "main",
		CompileCmdTpl: "gcc -O2 -std=c11 -pipe -o {bin} {src} -lm",
		RunCmdTpl:     "{bin}",
	},
	LanguageCPP: {
		Name:          "C++ (g++)",
		SourceFile:    "main.cpp",
		BinaryFile:    "main",
		CompileCmdTpl: "g++ -O2 -std=c++17 -pipe -o {bin} {src}",
		RunCmdTpl:     "{bin}",
	},
	LanguageGo: {
		Name:          "Go",
		SourceFile:    "main.go",
		BinaryFile:    "main",
		CompileCmdTpl: "go build -o {bin} {src}",
		RunCmdTpl:     "{bin}",
		Env:           []string{"GOCACHE={workdir}/.gocache", "GOPATH={workdir}/.gopath", "CGO_ENABLED=0", "GOFLAGS=-mod=mod"},
	},
	LanguageRust: {
		Name:          "Rust (rustc)",
		SourceFile:    "main.rs",
		BinaryFile:    "main",
		CompileCmdTpl: "rustc -O -o {bin} {src}",
		RunCmdTpl:     "{bin}",
	},
	// Interpreted languages get a syntax check as their compile step.
	LanguagePython3: {
		Name:          "Python 3",
		SourceFile:    "main.py",
		CompileCmdTpl: `python3 -S -B -c "import sys; compile(open(sys.argv[1]).read(), sys.argv[1], 'exec')" {src}`,
		RunCmdTpl:     "python3 -S -B {src}",
		Env:           []string{"PYTHONDONTWRITEBYTECODE=1", "PYTHONUNBUFFERED=1"},
	},
	LanguageJavaScript: {
		Name:          "JavaScript (node)",
		SourceFile:    "main.js",
		CompileCmdTpl: "node --check {src}",
		RunCmdTpl:     "node {src}",
	},
	LanguageJava: {
		Name:          "Java",
		SourceFile:    "Main.java",
		BinaryFile:    "Main",
		CompileCmdTpl: "javac -encoding UTF-8 -d {workdir} {src}",
		RunCmdTpl:     "java -Xss64m -XX:+UseSerialGC -cp {workdir} Main",
	},
}

// DefaultSpec returns the built-in spec for a language.
func DefaultSpec(lang Language) (LanguageSpec, bool) {
	spec, ok := defaultTable[lang]
	if !ok {
		return LanguageSpec{}, false
	}
	spec.Language = lang
	env := make([]string, 0, len(baseEnv)+len(spec.Env))
	env = append(env, baseEnv...)
	spec.Env = append(env, spec.Env...)
	return spec, true
}
