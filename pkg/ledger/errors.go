package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// The chaincode reports business-rule rejections as free-text error
// strings, not structured codes. Classification scans for the agreed
// substrings and maps everything unrecognized to a generic failure.
var (
	ErrNotFound         = errors.New("ledger record not found")
	ErrPermissionDenied = errors.New("ledger permission denied")
	ErrAlreadyExists    = errors.New("ledger record already exists")
	// ErrAmbiguousOutcome marks a timed-out ordered submission. The
	// ledger may still commit it, so callers must not retry blindly.
	ErrAmbiguousOutcome = errors.New("ledger outcome unknown")
)

var notFoundFragments = []string{
	"does not exist",
	"not found",
}

var permissionFragments = []string{
	"permission denied",
	"not authorized",
	"only ",
}

var alreadyExistsFragments = []string{
	"already exists",
	"already registered",
}

func matchesAny(msg string, fragments []string) bool {
	for _, f := range fragments {
		if strings.Contains(msg, f) {
			return true
		}
	}
	return false
}

// classify maps a raw ledger error onto the taxonomy, preserving the
// chaincode message for operators. Default case: the raw error as-is,
// treated as a generic ledger failure.
func classify(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case matchesAny(msg, alreadyExistsFragments):
		return fmt.Errorf("%w: %s", ErrAlreadyExists, err.Error())
	case matchesAny(msg, notFoundFragments):
		return fmt.Errorf("%w: %s", ErrNotFound, err.Error())
	case matchesAny(msg, permissionFragments):
		return fmt.Errorf("%w: %s", ErrPermissionDenied, err.Error())
	default:
		return err
	}
}

// ClassifySubmit additionally maps timeouts to ErrAmbiguousOutcome: an
// ordered submission whose response was lost may have committed anyway.
func ClassifySubmit(err error) error {
	if isTimeout(err) {
		return fmt.Errorf("%w: %s", ErrAmbiguousOutcome, err.Error())
	}
	return classify(err)
}

// ClassifyEvaluate never yields ErrAmbiguousOutcome: a read that timed
// out changed nothing and is safe to report as a plain failure.
func ClassifyEvaluate(err error) error {
	return classify(err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if s, ok := status.FromError(err); ok && s.Code() == codes.DeadlineExceeded {
		return true
	}
	return false
}
