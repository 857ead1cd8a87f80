package wal

import "fmt"

// EmptyLogError is returned when an operation needs at least one retained
// segment and none exist. Callers treat it as "nothing to do".
type EmptyLogError string

func (msg EmptyLogError) Error() string {
	return fmt.Sprintf("%s: no WAL segments exist", string(msg))
}

// NoCheckpointError is returned when no checkpoint directory is present.
// A fresh database has no checkpoint, so this is not a failure.
type NoCheckpointError string

func (msg NoCheckpointError) Error() string {
	return fmt.Sprintf("%s: no checkpoint found", string(msg))
}

// ChecksumMismatchError reports a record whose payload does not match its
// stored CRC. Anywhere but the tail of the newest segment this means the
// log is damaged, not merely torn.
type ChecksumMismatchError struct {
	Want uint32
	Got  uint32
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch: stored %08x, computed %08x", e.Want, e.Got)
}

// CorruptionError marks unreadable data at a known position in the log.
// Recovery halts on it rather than guessing at damaged records.
type CorruptionError struct {
	Dir     string
	Segment int
	Offset  int64
	Err     error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("corruption in segment %s at offset %d: %v",
		SegmentPath(e.Dir, e.Segment), e.Offset, e.Err)
}

func (e *CorruptionError) Unwrap() error { return e.Err }
