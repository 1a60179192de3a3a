package pipeline

import (
	"errors"
	"fmt"

	"github.com/watchedlabs/vframe/internal/pkg/httpx"
)

// ErrorKind classifies per-item failures so the batch driver can dispatch on
// kind instead of matching error strings.
type ErrorKind string

const (
	KindNotFound          ErrorKind = "not_found"
	KindTransient         ErrorKind = "transient"
	KindEncodingFailed    ErrorKind = "encoding_failed"
	KindEncoderFailed     ErrorKind = "encode_failed"
	KindVectorStoreFailed ErrorKind = "vector_store"
	KindNoFrames          ErrorKind = "no_frames"
	KindConsistency       ErrorKind = "consistency"
)

// ItemError wraps a phase failure with its retry disposition.
type ItemError struct {
	Kind  ErrorKind
	Phase string
	Cause error
}

func (e *ItemError) Error() string {
	if e == nil {
		return "pipeline item failed"
	}
	if e.Cause != nil {
		return fmt.Sprintf("pipeline %s failed (%s): %v", e.Phase, e.Kind, e.Cause)
	}
	return fmt.Sprintf("pipeline %s failed (%s)", e.Phase, e.Kind)
}

func (e *ItemError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func itemErr(kind ErrorKind, phase string, cause error) error {
	return &ItemError{Kind: kind, Phase: phase, Cause: cause}
}

// KindOf extracts the ErrorKind, defaulting unknown errors to transient when
// their transport status says so.
func KindOf(err error) ErrorKind {
	var ie *ItemError
	if errors.As(err, &ie) {
		return ie.Kind
	}
	if httpx.IsRetryableError(err) {
		return KindTransient
	}
	return KindVectorStoreFailed
}

// Retryable reports whether the batch driver should re-attempt the item.
// NoFrames is a property of the video, not the run; NotFound is a skip.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindNoFrames, KindNotFound:
		return false
	default:
		return true
	}
}
