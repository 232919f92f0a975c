package locationagent

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Stages reported on ErrorRecord entries.
const (
	StageFetch  = "fetch"
	StageAppend = "append"
)

// PersistenceSink is the durable append-only destination for cycle batches.
//
// Append attempts every record in the batch. Per-record failures are
// collected into a *PartialFailure instead of aborting sibling writes; any
// other error means the sink could not take the batch at all, for example a
// connection that could not be re-established within its retry budget.
type PersistenceSink interface {
	Append(ctx context.Context, batch []Sample) error
	// RecordError writes rec to the secondary error channel. Best effort:
	// implementations log their own failures and never surface them.
	RecordError(ctx context.Context, rec ErrorRecord)
	Close() error
}

// ErrorRecord is one entry in the secondary error channel kept alongside the
// location data. EntityID is empty for process-scoped faults.
type ErrorRecord struct {
	Message   string `json:"error"`
	Timestamp string `json:"timestamp"`
	EntityID  string `json:"entity_id,omitempty"`
	ProcessID string `json:"process_id,omitempty"`
	Stage     string `json:"stage,omitempty"`
}

// RecordFailure describes one record one sink failed to write.
type RecordFailure struct {
	EntityID string
	Sink     string
	Err      error
}

// PartialFailure reports that some records of a batch failed while their
// siblings were written.
type PartialFailure struct {
	Failures []RecordFailure
}

func (p *PartialFailure) Error() string {
	if p == nil || len(p.Failures) == 0 {
		return "persistence: partial batch failure"
	}
	ids := make([]string, 0, len(p.Failures))
	for _, failure := range p.Failures {
		ids = append(ids, failure.EntityID)
	}
	return fmt.Sprintf("persistence: %d record(s) failed (%s): %v",
		len(p.Failures), strings.Join(ids, ", "), p.Failures[0].Err)
}

// AsPartialFailure extracts a *PartialFailure from err when one is present
// anywhere in the chain.
func AsPartialFailure(err error) (*PartialFailure, bool) {
	var partial *PartialFailure
	if errors.As(err, &partial) {
		return partial, true
	}
	return nil, false
}
