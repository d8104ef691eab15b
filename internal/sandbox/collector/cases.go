package collector

import (
	"strings"

	"execbox/internal/sandbox/result"
)

// Grade converts one case run into its CaseResult. Output is compared with
// surrounding whitespace trimmed.
func Grade(srno int, run result.RunResult, expected string) result.CaseResult {
	res := Assemble(run)
	out := result.CaseResult{
		Srno:            srno,
		Status:          res.Status,
		Stdout:          res.Stdout,
		Stderr:          res.Stderr,
		Truncated:       res.Truncated,
		ExitCode:        res.ExitCode,
		Signal:          res.Signal,
		LimitExceeded:   res.LimitExceeded,
		WallTimeMs:      res.WallTimeMs,
		CPUTimeMs:       res.CPUTimeMs,
		PeakMemoryBytes: res.PeakMemoryBytes,
	}
	switch {
	case res.Status != result.StatusSuccess && res.Status != result.StatusOutputTruncated:
		out.Verdict = result.CaseError
	case strings.TrimSpace(res.Stdout) == strings.TrimSpace(expected):
		out.Verdict = result.CasePassed
	default:
		out.Verdict = result.CaseFailed
	}
	return out
}

// Summarize folds case results into the job result. The job takes the status
// of the first case that did not succeed, or Success when all did. Times add
// up and peak memory is the largest seen.
func Summarize(cases []result.CaseResult) result.ExecutionResult {
	res := result.ExecutionResult{Status: result.StatusSuccess, Cases: cases}
	var decided bool
	for _, c := range cases {
		res.WallTimeMs += c.WallTimeMs
		res.CPUTimeMs += c.CPUTimeMs
		if c.PeakMemoryBytes > res.PeakMemoryBytes {
			res.PeakMemoryBytes = c.PeakMemoryBytes
		}
		res.Truncated = res.Truncated || c.Truncated
		if decided || c.Status == result.StatusSuccess {
			continue
		}
		decided = true
		res.Status = c.Status
		res.LimitExceeded = c.LimitExceeded
		res.ExitCode = c.ExitCode
		res.Signal = c.Signal
		if c.Signal != "" {
			res.SignalDescription = result.DescribeSignal(c.Signal)
		}
	}
	if !decided && len(cases) > 0 {
		res.ExitCode = cases[len(cases)-1].ExitCode
	}
	return res
}
