package resolve

import (
	"slices"
	"strings"

	"github.com/c0deZ3R0/go-changeset-kit/changeset"
	"github.com/c0deZ3R0/go-changeset-kit/conflict"
)

// Spec is a predicate used to route conflicts to rules. Combinators build
// complex matches from small, testable pieces.
type Spec func(*conflict.Args) bool

// And returns a spec that requires both specs to match.
func And(a, b Spec) Spec {
	return func(c *conflict.Args) bool { return a != nil && b != nil && a(c) && b(c) }
}

// Or returns a spec that requires at least one spec to match.
func Or(a, b Spec) Spec {
	return func(c *conflict.Args) bool { return (a != nil && a(c)) || (b != nil && b(c)) }
}

// Not negates a spec.
func Not(a Spec) Spec { return func(c *conflict.Args) bool { return a == nil || !a(c) } }

// Any matches every conflict.
func Any() Spec { return func(*conflict.Args) bool { return true } }

// TableIs matches one table exactly.
func TableIs(name string) Spec {
	return func(c *conflict.Args) bool { return c.Table == name }
}

// TablePrefix matches tables whose name starts with prefix.
func TablePrefix(prefix string) Spec {
	return func(c *conflict.Args) bool { return strings.HasPrefix(c.Table, prefix) }
}

// TableMatches parses a registration pattern: "name" matches exactly,
// "prefix*" matches by prefix and "*" matches everything.
func TableMatches(pattern string) Spec {
	if pattern == "*" {
		return Any()
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return TablePrefix(prefix)
	}
	return TableIs(pattern)
}

// CauseIs matches any of the given causes.
func CauseIs(causes ...conflict.Cause) Spec {
	return func(c *conflict.Args) bool { return slices.Contains(causes, c.Cause) }
}

// OpcodeIs matches any of the given opcodes.
func OpcodeIs(ops ...changeset.Opcode) Spec {
	return func(c *conflict.Args) bool { return slices.Contains(ops, c.Op) }
}

// IndirectIs matches on the indirect flag.
func IndirectIs(indirect bool) Spec {
	return func(c *conflict.Args) bool { return c.Indirect == indirect }
}
