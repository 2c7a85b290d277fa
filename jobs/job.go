package jobs

import (
	"errors"
	"time"

	"github.com/isdmx/tracebox/sandbox"
)

// Status is the lifecycle state of a Job.
type Status string

const (
	StatusCreated   Status = "created"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// canTransition reports whether a Job may move from s to next.
func (s Status) canTransition(next Status) bool {
	switch s {
	case StatusCreated:
		return next == StatusRunning || next.Terminal()
	case StatusRunning:
		return next.Terminal()
	default:
		return false
	}
}

var (
	// ErrNotFound is returned for an unknown Job ID.
	ErrNotFound = errors.New("job not found")
	// ErrInvalidTransition is returned when a status change violates the lifecycle.
	ErrInvalidTransition = errors.New("invalid job status transition")
)

// Options are the analysis switches submitted with a Job.
type Options struct {
	Static  bool     `json:"static"`
	Dynamic bool     `json:"dynamic"`
	Tools   []string `json:"tools,omitempty"`
}

// Result is the recorded outcome of a finished analysis.
type Result struct {
	ExitCode *int            `json:"code"`
	Stdout   string          `json:"stdout"`
	Stderr   string          `json:"stderr"`
	Success  bool            `json:"success"`
	Backend  sandbox.Backend `json:"backend,omitempty"`
	Report   string          `json:"report,omitempty"`
	TestMode bool            `json:"testMode,omitempty"`
	Message  string          `json:"message,omitempty"`
}

// Job is one analysis request and the work directory it exclusively owns.
type Job struct {
	ID          string     `json:"id"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Files       []string   `json:"files"`
	Options     Options    `json:"options"`
	WorkDir     string     `json:"workDir"`
	Result      *Result    `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Clone returns a deep copy so callers never share mutable state with a Store.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Files = append([]string(nil), j.Files...)
	c.Options.Tools = append([]string(nil), j.Options.Tools...)
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.Result != nil {
		r := *j.Result
		if j.Result.ExitCode != nil {
			code := *j.Result.ExitCode
			r.ExitCode = &code
		}
		c.Result = &r
	}
	return &c
}
