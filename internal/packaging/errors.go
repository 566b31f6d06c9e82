package packaging

import (
	"errors"
	"fmt"
)

// ErrManifestWrite is returned when every rendition encoded but the master
// manifest could not be committed. Retrying is safe: renditions are reused.
var ErrManifestWrite = errors.New("manifest write failed")

// EncodeError reports the profile whose encode failed a packaging job
type EncodeError struct {
	Profile    string
	Diagnostic string
	Err        error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encode %s failed: %v", e.Profile, e.Err)
}

func (e *EncodeError) Unwrap() error {
	return e.Err
}

// diagnostic extracts encoder output from errors that carry it
func diagnostic(err error) string {
	var d interface{ Diagnostic() string }
	if errors.As(err, &d) {
		return d.Diagnostic()
	}
	return ""
}
