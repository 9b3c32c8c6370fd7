// Package sharedmap implements the replicated key-value map kernel: the
// single-threaded component that holds a client's live replica of a
// collaboratively edited map, submits local edits as ops, and reconciles
// them against a totally-ordered remote stream.
//
// The kernel performs no I/O and owns no transport. Callers supply a
// Submitter to hand ops to a sequencer and drive Map.TryProcess as
// sequenced messages arrive; see internal/sequencer for a reference
// collaborator.
package sharedmap
