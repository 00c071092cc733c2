package probe

import "time"

// Verdict classifies the outcome of one probe run.
type Verdict string

const (
	// VerdictPassed means the runtime was ready and every check passed.
	VerdictPassed Verdict = "passed"
	// VerdictChecksFailed means the self-check ran and reported failures.
	VerdictChecksFailed Verdict = "checks_failed"
	// VerdictReadinessTimeout means the runtime never became ready.
	VerdictReadinessTimeout Verdict = "readiness_timeout"
	// VerdictInvalidResponse means the self-check body was not a JSON object.
	VerdictInvalidResponse Verdict = "invalid_response"
	// VerdictEndpointError means the self-check endpoint was unreachable or
	// returned an error status.
	VerdictEndpointError Verdict = "endpoint_error"
)

// ExitCode maps a verdict to the process exit code automation keys on:
// 0 all checks passed, 1 the service reported real failing checks, 10 the
// runtime never became ready, 20 no usable report could be obtained.
func (v Verdict) ExitCode() int {
	switch v {
	case VerdictPassed:
		return 0
	case VerdictChecksFailed:
		return 1
	case VerdictReadinessTimeout:
		return 10
	default:
		return 20
	}
}

// Check is one named entry in a self-check report.
type Check struct {
	Name   string `json:"name" yaml:"name"`
	Passed bool   `json:"passed" yaml:"passed"`
	Detail string `json:"detail,omitempty" yaml:"detail,omitempty"`
}

// Report is the wire shape served by /housekeeper/self-check. The health
// endpoint serves the same shape with only the OK field populated. The
// prober itself decodes responses generically so unknown fields survive;
// Report exists for producers of the contract, such as the stub runtime.
type Report struct {
	OK     bool    `json:"ok" yaml:"ok"`
	Checks []Check `json:"checks,omitempty" yaml:"checks,omitempty"`
}

// Result is the outcome of one full probe run.
type Result struct {
	Verdict    Verdict
	HTTPStatus int     // self-check status, 0 when the call was never made
	Failed     []Check // failing entries extracted from the report
	Duration   time.Duration
	CheckedAt  time.Time
}
