package profile

import (
	"execbox/internal/sandbox/security"
	appErr "execbox/pkg/errors"
)

// Override replaces parts of a built-in language spec.
type Override struct {
	CompileCmd string   `yaml:"compileCmd"`
	RunCmd     string   `yaml:"runCmd"`
	Env        []string `yaml:"env"`
	Disabled   bool     `yaml:"disabled"`
}

// Registry is the read-only language table used at runtime.
type Registry struct {
	languages map[Language]LanguageSpec
	profiles  map[string]security.IsolationProfile
}

// NewRegistry builds the table from the built-in specs and config overrides.
// Overrides may only name languages in the built-in set.
func NewRegistry(overrides map[string]Override, profiles map[string]security.IsolationProfile) (*Registry, error) {
	langs := make(map[Language]LanguageSpec, len(defaultTable))
	for _, lang := range Languages() {
		spec, _ := DefaultSpec(lang)
		langs[lang] = spec
	}
	for key, ov := range overrides {
		lang, err := ParseLanguage(key)
		if err != nil {
			return nil, err
		}
		if ov.Disabled {
			delete(langs, lang)
			continue
		}
		spec := langs[lang]
		if ov.CompileCmd != "" {
			spec.CompileCmdTpl = ov.CompileCmd
		}
		if ov.RunCmd != "" {
			spec.RunCmdTpl = ov.RunCmd
		}
		spec.Env = append(spec.Env, ov.Env...)
		langs[lang] = spec
	}

	profs := map[string]security.IsolationProfile{
		security.ProfileCompile: {DisableNetwork: true},
		security.ProfileRun:     {DisableNetwork: true},
	}
	for name, prof := range profiles {
		if name != security.ProfileCompile && name != security.ProfileRun {
			return nil, appErr.ValidationError("profile", "unknown profile "+name)
		}
		profs[name] = prof
	}
	return &Registry{languages: langs, profiles: profs}, nil
}

// Spec returns the spec of an enabled language.
func (r *Registry) Spec(lang Language) (LanguageSpec, error) {
	spec, ok := r.languages[lang]
	if !ok {
		return LanguageSpec{}, appErr.Newf(appErr.LanguageNotSupported, "language %q is not supported", string(lang))
	}
	return spec, nil
}

// Lookup parses id and returns its spec.
func (r *Registry) Lookup(id string) (LanguageSpec, error) {
	lang, err := ParseLanguage(id)
	if err != nil {
		return LanguageSpec{}, err
	}
	return r.Spec(lang)
}

// Enabled returns the enabled languages in a stable order.
func (r *Registry) Enabled() []LanguageSpec {
	out := make([]LanguageSpec, 0, len(r.languages))
	for _, lang := range Languages() {
		if spec, ok := r.languages[lang]; ok {
			out = append(out, spec)
		}
	}
	return out
}

// Resolve maps a profile name to isolation settings.
func (r *Registry) Resolve(name string) (security.IsolationProfile, error) {
	if name == "" {
		return security.IsolationProfile{}, appErr.ValidationError("profile", "required")
	}
	prof, ok := r.profiles[name]
	if !ok {
		return security.IsolationProfile{}, appErr.New(appErr.NotFound).WithMessage("profile not found")
	}
	return prof, nil
}
