// Package security defines sandbox isolation and security profiles.
package security

// Profile names used by the toolchain steps.
const (
	ProfileCompile = "compile"
	ProfileRun     = "run"
)

// IsolationProfile describes namespace and seccomp settings.
type IsolationProfile struct {
	RootFS         string `yaml:"rootFS"`
	SeccompProfile string `yaml:"seccompProfile"`
	DisableNetwork bool   `yaml:"disableNetwork"`
}
