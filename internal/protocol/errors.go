package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// Condition sentinels. Per-item conditions are recorded in reports and never
// abort a batch; ErrConfiguration and ErrDuplicateIdentity are raised before
// any work starts.
var (
	ErrMalformedProtocol  = errors.New("malformed protocol")
	ErrUnboundedParameter = errors.New("unbounded parameter")
	ErrSimulationFailed   = errors.New("simulation failed")
	ErrConfiguration      = errors.New("configuration error")
	ErrDuplicateIdentity  = errors.New("duplicate protocol identity")
)

// MalformedError accompanies a partial model when the source could not be
// fully parsed.
type MalformedError struct {
	Identity string
	Problems []string
}

func (e *MalformedError) Error() string {
	if len(e.Problems) == 0 {
		return fmt.Sprintf("%s: malformed protocol", e.Identity)
	}
	return fmt.Sprintf("%s: malformed protocol: %s", e.Identity, strings.Join(e.Problems, "; "))
}

func (e *MalformedError) Unwrap() error { return ErrMalformedProtocol }

// UnboundedError describes a parameter that was excluded from combination.
type UnboundedError struct {
	Param string
	Kind  Kind
}

func (e *UnboundedError) Error() string {
	return fmt.Sprintf("parameter %q (%s) has no derivable bounds", e.Param, e.Kind)
}

func (e *UnboundedError) Unwrap() error { return ErrUnboundedParameter }
