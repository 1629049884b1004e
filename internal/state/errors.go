package state

import (
	"fmt"
	"io/fs"
)

// CorruptionError indicates a persisted document failed its integrity check.
type CorruptionError struct {
	Name   string
	Reason string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("state %q is corrupted: %s", e.Name, e.Reason)
}

// PermissionError indicates a sensitive document does not carry the expected
// restrictive file mode. It is never auto-corrected.
type PermissionError struct {
	Name string
	Mode fs.FileMode
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("state %q has insufficient permissions: %04o", e.Name, e.Mode)
}

// MigrationError wraps a failure inside a registered migration function.
type MigrationError struct {
	From Version
	To   Version
	Err  error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migration %s -> %s failed: %v", e.From, e.To, e.Err)
}

func (e *MigrationError) Unwrap() error {
	return e.Err
}

// SchemaError reports the first field that failed schema validation.
type SchemaError struct {
	Field  string
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema validation failed: field %q %s", e.Field, e.Reason)
}
