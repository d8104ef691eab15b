// Package intake accepts execution jobs, hands them to the worker pool and
// delivers exactly one result per accepted job.
package intake

import (
	"encoding/json"
	"fmt"
	"regexp"

	"execbox/internal/coordinator"
	"execbox/internal/sandbox/profile"
	"execbox/internal/sandbox/spec"
	appErr "execbox/pkg/errors"

	"github.com/google/uuid"
)

// JobMessage is the wire shape of a job on every intake path.
type JobMessage struct {
	ID       string              `json:"id,omitempty"`
	Language string              `json:"language"`
	Source   string              `json:"source"`
	Stdin    string              `json:"stdin,omitempty"`
	Limits   *spec.ResourceLimit `json:"limits,omitempty"`
	Cases    []CaseMessage       `json:"cases,omitempty"`
}

// CaseMessage is one test case of a job. A zero srno is numbered by position.
type CaseMessage struct {
	Srno           int    `json:"srno,omitempty"`
	Input          string `json:"input"`
	ExpectedOutput string `json:"expected_output"`
}

// Validation bounds what a job may carry.
type Validation struct {
	MaxSourceBytes int
	MaxStdinBytes  int
	// MaxCases bounds the test cases of one job. Each case input and expected
	// output is bounded by MaxStdinBytes.
	MaxCases       int
}

const (
	defaultMaxSourceBytes = 64 << 10
	defaultMaxStdinBytes  = 1 << 20
	defaultMaxCases       = 32
)

var jobIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]{0,127}$`)

// Validator turns job messages into jobs, rejecting malformed ones.
type Validator struct {
	cfg       Validation
	languages *profile.Registry
}

// NewValidator creates a validator. Zero bounds take the defaults.
func NewValidator(cfg Validation, languages *profile.Registry) *Validator {
	if cfg.MaxSourceBytes <= 0 {
		cfg.MaxSourceBytes = defaultMaxSourceBytes
	}
	if cfg.MaxStdinBytes <= 0 {
		cfg.MaxStdinBytes = defaultMaxStdinBytes
	}
	if cfg.MaxCases <= 0 {
		cfg.MaxCases = defaultMaxCases
	}
	return &Validator{cfg: cfg, languages: languages}
}

// Decode parses a raw body. The returned message is usable for a rejection
// even when decoding fails part way.
func (v *Validator) Decode(body []byte) (JobMessage, coordinator.Job, error) {
	var msg JobMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return JobMessage{}, coordinator.Job{}, appErr.Wrapf(err, appErr.InvalidFormat, "job is not valid JSON")
	}
	job, err := v.Validate(msg)
	return msg, job, err
}

// Validate checks msg and builds the job. A missing id is generated.
func (v *Validator) Validate(msg JobMessage) (coordinator.Job, error) {
	id := msg.ID
	if id == "" {
		id = uuid.NewString()
	} else if !jobIDPattern.MatchString(id) {
		return coordinator.Job{}, appErr.ValidationError("id", "must be 1-128 characters of [A-Za-z0-9._:-]")
	}
	if msg.Source == "" {
		return coordinator.Job{}, appErr.New(appErr.RequiredFieldEmpty).WithMessage("source is required").WithDetail("field", "source")
	}
	if len(msg.Source) > v.cfg.MaxSourceBytes {
		return coordinator.Job{}, appErr.Newf(appErr.SourceTooLarge, "source exceeds %d bytes", v.cfg.MaxSourceBytes)
	}
	if len(msg.Stdin) > v.cfg.MaxStdinBytes {
		return coordinator.Job{}, appErr.Newf(appErr.StdinTooLarge, "stdin exceeds %d bytes", v.cfg.MaxStdinBytes)
	}
	cases, err := v.cases(msg)
	if err != nil {
		return coordinator.Job{}, err
	}
	lang, err := v.languages.Lookup(msg.Language)
	if err != nil {
		return coordinator.Job{}, err
	}

	job := coordinator.Job{
		ID:       id,
		Language: lang.Language,
		Source:   msg.Source,
		Cases:    cases,
	}
	if msg.Stdin != "" {
		job.Stdin = []byte(msg.Stdin)
	}
	if msg.Limits != nil {
		job.Limits = *msg.Limits
	}
	return job, nil
}

func (v *Validator) cases(msg JobMessage) ([]coordinator.Case, error) {
	if len(msg.Cases) == 0 {
		return nil, nil
	}
	if msg.Stdin != "" {
		return nil, appErr.ValidationError("stdin", "must be empty when cases are given")
	}
	if len(msg.Cases) > v.cfg.MaxCases {
		return nil, appErr.ValidationError("cases", fmt.Sprintf("at most %d cases are allowed", v.cfg.MaxCases))
	}
	seen := make(map[int]struct{}, len(msg.Cases))
	out := make([]coordinator.Case, 0, len(msg.Cases))
	for i, c := range msg.Cases {
		srno := c.Srno
		if srno == 0 {
			srno = i + 1
		}
		if _, dup := seen[srno]; dup {
			return nil, appErr.ValidationError("cases", fmt.Sprintf("srno %d is used twice", srno))
		}
		seen[srno] = struct{}{}
		if len(c.Input) > v.cfg.MaxStdinBytes || len(c.ExpectedOutput) > v.cfg.MaxStdinBytes {
			return nil, appErr.Newf(appErr.StdinTooLarge, "case %d exceeds %d bytes", srno, v.cfg.MaxStdinBytes)
		}
		out = append(out, coordinator.Case{Srno: srno, Input: []byte(c.Input), Expected: c.ExpectedOutput})
	}
	return out, nil
}

// Message converts a job back to its wire shape.
func Message(job coordinator.Job) JobMessage {
	msg := JobMessage{
		ID:       job.ID,
		Language: string(job.Language),
		Source:   job.Source,
		Stdin:    string(job.Stdin),
	}
	if job.Limits != (spec.ResourceLimit{}) {
		limits := job.Limits
		msg.Limits = &limits
	}
	for _, c := range job.Cases {
		msg.Cases = append(msg.Cases, CaseMessage{Srno: c.Srno, Input: string(c.Input), ExpectedOutput: c.Expected})
	}
	return msg
}
