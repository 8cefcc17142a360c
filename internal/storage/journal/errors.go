package journal

// ============================================================================
// Journal Error Definitions
// ============================================================================

import (
	"errors"
	"fmt"
)

var (
	// ErrCorruptedJournal indicates a record that cannot be parsed
	ErrCorruptedJournal = errors.New("journal: file is corrupted")

	// ErrChecksumMismatch indicates a record whose checksum does not match
	ErrChecksumMismatch = errors.New("journal: checksum mismatch")

	// ErrClosed indicates the journal is closed
	ErrClosed = errors.New("journal: already closed")

	// ErrSeqGap indicates non-consecutive sequence numbers
	ErrSeqGap = errors.New("journal: sequence gap")
)

// ChecksumError represents a checksum failure with detail
type ChecksumError struct {
	Seq      uint64
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("journal: checksum mismatch at seq=%d (expected=0x%08x, got=0x%08x)",
		e.Seq, e.Expected, e.Actual)
}

func (e *ChecksumError) Unwrap() error { return ErrChecksumMismatch }

// CorruptionError represents an unreadable record
type CorruptionError struct {
	Line  int   // 1-based line number
	Cause error // Underlying error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("journal: corrupted record at line %d: %v", e.Line, e.Cause)
}

func (e *CorruptionError) Unwrap() error { return errors.Join(ErrCorruptedJournal, e.Cause) }
