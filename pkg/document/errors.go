package document

import (
	"errors"
	"fmt"
	"strings"
)

// Version is a major/minor document format version.
type Version struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
}

// String returns the version as "major.minor".
func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// BadTagError is returned when the input is not a halfspace document.
type BadTagError struct {
	Expected string
	Actual   string
}

func (e *BadTagError) Error() string {
	return fmt.Sprintf("bad document tag: expected %q, got %q", e.Expected, e.Actual)
}

// SchemaVersionError is returned when a document's version cannot be read.
// Either the major version is unknown, or TooNew is set and the document
// uses a newer minor version whose content could not be decoded.
type SchemaVersionError struct {
	// Found is the version written in the document.
	Found Version

	// Supported lists the major versions this build reads.
	Supported []int

	// Current is the version this build writes.
	Current Version

	// TooNew is set when the major version is known but the minor version
	// is newer than Current.
	TooNew bool
}

func (e *SchemaVersionError) Error() string {
	if e.TooNew {
		return fmt.Sprintf("document version %s is newer than supported version %s", e.Found, e.Current)
	}
	majors := make([]string, len(e.Supported))
	for i, m := range e.Supported {
		majors[i] = fmt.Sprint(m)
	}
	return fmt.Sprintf("unsupported document major version %d (supported: %s)", e.Found.Major, strings.Join(majors, ", "))
}

// ValidationError is returned when a document has a known version but its
// content is malformed or inconsistent.
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid document: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid document: %s", e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// IsSchemaVersionError returns true if err is or wraps a SchemaVersionError.
func IsSchemaVersionError(err error) bool {
	var e *SchemaVersionError
	return errors.As(err, &e)
}

// IsBadTagError returns true if err is or wraps a BadTagError.
func IsBadTagError(err error) bool {
	var e *BadTagError
	return errors.As(err, &e)
}

// IsValidationError returns true if err is or wraps a ValidationError.
func IsValidationError(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}
