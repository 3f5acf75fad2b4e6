package resolve

import (
	"context"

	"github.com/c0deZ3R0/go-changeset-kit/conflict"
)

// DefaultPolicy is the built-in last entry of every chain:
//
//	Conflict             -> Abort
//	Data, indirect       -> Replace
//	Data, direct         -> Abort
//	NotFound             -> Skip
//	Constraint           -> Abort
//
// Constraint conflicts have no safe automatic outcome; only a handler can
// keep them from aborting the changeset.
type DefaultPolicy struct{}

// Decide returns the default resolution for args.
func (DefaultPolicy) Decide(args *conflict.Args) conflict.Resolution {
	switch args.Cause {
	case conflict.CauseData:
		if args.Indirect {
			return conflict.Replace
		}
		return conflict.Abort
	case conflict.CauseNotFound:
		return conflict.Skip
	default:
		return conflict.Abort
	}
}

// Resolve implements Handler. It never declines.
func (p DefaultPolicy) Resolve(_ context.Context, args *conflict.Args) (conflict.Decision, error) {
	return conflict.Decision{Resolution: p.Decide(args), By: DefaultPolicyName}, nil
}

// DefaultPolicyName is the Decision.By value of the default policy.
const DefaultPolicyName = "default"

// Always is a handler that returns a fixed resolution.
type Always conflict.Resolution

// Resolve implements Handler.
func (a Always) Resolve(context.Context, *conflict.Args) (conflict.Decision, error) {
	return conflict.Resolve(conflict.Resolution(a)), nil
}
