package types

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyGraph is returned when curation leaves nothing to train on.
	ErrEmptyGraph = errors.New("empty training graph: no curated edges")
	// ErrUnknownNode is returned when a query references a node outside the snapshot.
	ErrUnknownNode = errors.New("unknown node")
)

// MalformedRecordError describes a raw record that was skipped.
// It is recoverable: the batch continues and the record is counted.
type MalformedRecordError struct {
	Index  int
	Field  string
	Reason string
}

func (e *MalformedRecordError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("malformed record %d: %s", e.Index, e.Reason)
	}
	return fmt.Sprintf("malformed record %d: field %q: %s", e.Index, e.Field, e.Reason)
}

// DimensionMismatchError signals a configuration error between feature
// vectors, layer configs and parameter shapes. It is fatal to the run.
type DimensionMismatchError struct {
	What     string
	Expected int
	Got      int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("dimension mismatch in %s: expected %d, got %d", e.What, e.Expected, e.Got)
}

// ValidationBatch is the DivergenceError batch index reported when the
// validation loss, not a training batch, became non-finite.
const ValidationBatch = -1

// DivergenceError is returned when training or validation loss becomes
// non-finite. The controller restores the last valid parameters before
// returning it.
type DivergenceError struct {
	Epoch    int
	Batch    int
	LastLoss float64
}

func (e *DivergenceError) Error() string {
	return fmt.Sprintf("training diverged at epoch %d batch %d (loss=%v)", e.Epoch, e.Batch, e.LastLoss)
}
