package workflow

import (
	"fmt"
	"strings"

	"github.com/rigworks/rigci/internal/event"
)

type guardOp int

const (
	opAlways guardOp = iota
	opEquals
	opNotEquals
)

// Guard is a step predicate over the triggering event kind. The empty guard
// always passes. The supported forms are:
//
//	event == <kind>
//	event != <kind>
//
// where <kind> may be bare or single/double quoted.
type Guard struct {
	op   guardOp
	kind event.Kind
}

// ParseGuard parses a guard expression from a step's "if" field.
func ParseGuard(expr string) (Guard, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" || expr == "always" {
		return Guard{op: opAlways}, nil
	}

	var op guardOp
	var parts []string
	switch {
	case strings.Contains(expr, "!="):
		op = opNotEquals
		parts = strings.SplitN(expr, "!=", 2)
	case strings.Contains(expr, "=="):
		op = opEquals
		parts = strings.SplitN(expr, "==", 2)
	default:
		return Guard{}, fmt.Errorf("invalid guard %q: expected event == <kind> or event != <kind>", expr)
	}

	subject := strings.TrimSpace(parts[0])
	if subject != "event" {
		return Guard{}, fmt.Errorf("invalid guard %q: unknown subject %q", expr, subject)
	}

	kind, err := event.ParseKind(unquote(parts[1]))
	if err != nil {
		return Guard{}, fmt.Errorf("invalid guard %q: %w", expr, err)
	}
	return Guard{op: op, kind: kind}, nil
}

// Eval evaluates the guard against an event kind.
func (g Guard) Eval(kind event.Kind) bool {
	switch g.op {
	case opEquals:
		return kind == g.kind
	case opNotEquals:
		return kind != g.kind
	default:
		return true
	}
}

// String renders the guard in canonical form.
func (g Guard) String() string {
	switch g.op {
	case opEquals:
		return fmt.Sprintf("event == %s", g.kind)
	case opNotEquals:
		return fmt.Sprintf("event != %s", g.kind)
	default:
		return "always"
	}
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
