package errdefs

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrorBehavior selects how fan-out operations treat per-item failures.
type ErrorBehavior int

const (
	// Abort returns the first error and discards partial results.
	Abort ErrorBehavior = iota
	// Continue records every failure and keeps going.
	Continue
)

func (b ErrorBehavior) String() string {
	if b == Continue {
		return "continue"
	}
	return "abort"
}

// ParseErrorBehavior parses "abort" or "continue".
func ParseErrorBehavior(s string) (ErrorBehavior, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "abort", "":
		return Abort, nil
	case "continue":
		return Continue, nil
	default:
		return Abort, fmt.Errorf("invalid error behavior %q (want abort|continue)", s)
	}
}

// ErrorRecord is one failure collected during a fan-out, tagged with the
// provider, host and agent that produced it. Empty fields mean the failure
// happened above that level.
type ErrorRecord struct {
	Provider string `json:"provider,omitempty"`
	HostID   string `json:"host_id,omitempty"`
	AgentID  string `json:"agent_id,omitempty"`
	Err      error  `json:"-"`
}

func (r ErrorRecord) Error() string {
	var where []string
	if r.Provider != "" {
		where = append(where, "provider="+r.Provider)
	}
	if r.HostID != "" {
		where = append(where, "host="+r.HostID)
	}
	if r.AgentID != "" {
		where = append(where, "agent="+r.AgentID)
	}
	if len(where) == 0 {
		return r.Err.Error()
	}
	return fmt.Sprintf("[%s] %v", strings.Join(where, " "), r.Err)
}

func (r ErrorRecord) Unwrap() error { return r.Err }

// Collector gathers ErrorRecords from concurrent workers.
type Collector struct {
	mu      sync.Mutex
	records []ErrorRecord
}

// Add appends a record. Safe for concurrent use.
func (c *Collector) Add(r ErrorRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, r)
}

// Records returns a copy of everything collected so far.
func (c *Collector) Records() []ErrorRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ErrorRecord, len(c.records))
	copy(out, c.records)
	return out
}

// Len returns the number of collected records.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

// Join folds records into a single error, or nil when empty.
func Join(records []ErrorRecord) error {
	errs := make([]error, 0, len(records))
	for _, r := range records {
		errs = append(errs, r)
	}
	return errors.Join(errs...)
}
