package stego

import "github.com/pkg/errors"

// Error kinds surfaced by the pipeline. All of them are terminal for the
// operation in which they occur: nothing is retried, and completed checkpoints
// are preserved on abort. Match with errors.Is.
var (
	// ErrConfiguration marks an invalid Config, detected before any training
	// or evaluation step runs.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrDivergence marks a non-finite training loss. The run is aborted; the
	// last saved checkpoint remains usable.
	ErrDivergence = errors.New("training diverged: non-finite loss")

	// ErrShapeMismatch marks a batch whose dimensions are inconsistent with
	// the Config, detected when the batch is constructed.
	ErrShapeMismatch = errors.New("batch shape mismatch")
)
