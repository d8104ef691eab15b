package profile_test

import (
	"strings"
	"testing"

	"execbox/internal/sandbox/profile"
	"execbox/internal/sandbox/security"
	appErr "execbox/pkg/errors"
)

func TestParseLanguage(t *testing.T) {
	cases := []struct {
		in      string
		want    profile.Language
		wantErr appErr.ErrorCode
	}{
		{in: "cpp", want: profile.LanguageCPP},
		{in: " C++ ", want: profile.LanguageCPP},
		{in: "python", want: profile.LanguagePython3},
		{in: "js", want: profile.LanguageJavaScript},
		{in: "java", want: profile.LanguageJava},
		{in: "", wantErr: appErr.ValidationFailed},
		{in: "cobol", wantErr: appErr.LanguageNotSupported},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := profile.ParseLanguage(tc.in)
			if tc.wantErr != 0 {
				if appErr.GetCode(err) != tc.wantErr {
					t.Fatalf("error code = %v, want %v", appErr.GetCode(err), tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("ParseLanguage(%q) = %s, want %s", tc.in, got, tc.want)
			}
		})
	}
}

func TestDefaultTableIsComplete(t *testing.T) {
	for _, lang := range profile.Languages() {
		spec, ok := profile.DefaultSpec(lang)
		if !ok {
			t.Fatalf("language %s missing from table", lang)
		}
		if spec.SourceFile == "" || spec.RunCmdTpl == "" {
			t.Fatalf("language %s has incomplete spec %+v", lang, spec)
		}
		if !spec.Compiled() {
			t.Fatalf("language %s has no compile or syntax check step", lang)
		}
		if strings.Contains(spec.CompileCmdTpl, "{bin}") && spec.BinaryFile == "" {
			t.Fatalf("compiled language %s has no binary", lang)
		}
		if len(spec.Env) == 0 {
			t.Fatalf("language %s has no environment", lang)
		}
	}
}

func TestRegistryOverrides(t *testing.T) {
	reg, err := profile.NewRegistry(map[string]profile.Override{
		"cpp":        {CompileCmd: "clang++ -O2 -o {bin} {src}", Env: []string{"CXXFLAGS=-Wall"}},
		"javascript": {Disabled: true},
	}, nil)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	spec, err := reg.Spec(profile.LanguageCPP)
	if err != nil {
		t.Fatalf("cpp spec: %v", err)
	}
	if spec.CompileCmdTpl != "clang++ -O2 -o {bin} {src}" {
		t.Fatalf("compile template not overridden: %s", spec.CompileCmdTpl)
	}
	if spec.RunCmdTpl != "{bin}" {
		t.Fatalf("run template changed: %s", spec.RunCmdTpl)
	}
	if spec.Env[len(spec.Env)-1] != "CXXFLAGS=-Wall" {
		t.Fatalf("env override missing: %v", spec.Env)
	}

	if _, err := reg.Lookup("node"); !appErr.Is(err, appErr.LanguageNotSupported) {
		t.Fatalf("disabled language should be unsupported, got %v", err)
	}
	for _, s := range reg.Enabled() {
		if s.Language == profile.LanguageJavaScript {
			t.Fatalf("disabled language listed as enabled")
		}
	}
}

func TestRegistryRejectsUnknownLanguage(t *testing.T) {
	_, err := profile.NewRegistry(map[string]profile.Override{"brainfuck": {RunCmd: "bf {src}"}}, nil)
	if !appErr.Is(err, appErr.LanguageNotSupported) {
		t.Fatalf("expected unsupported language error, got %v", err)
	}
}

func TestRegistryResolve(t *testing.T) {
	reg, err := profile.NewRegistry(nil, map[string]security.IsolationProfile{
		security.ProfileRun: {SeccompProfile: "run.json", DisableNetwork: true},
	})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	prof, err := reg.Resolve(security.ProfileRun)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if prof.SeccompProfile != "run.json" {
		t.Fatalf("unexpected profile %+v", prof)
	}
	if _, err := reg.Resolve(security.ProfileCompile); err != nil {
		t.Fatalf("default compile profile missing: %v", err)
	}
	if _, err := reg.Resolve(""); !appErr.Is(err, appErr.ValidationFailed) {
		t.Fatalf("expected validation error, got %v", err)
	}

	if _, err := profile.NewRegistry(nil, map[string]security.IsolationProfile{"debug": {}}); err == nil {
		t.Fatalf("expected unknown profile to be rejected")
	}
}
