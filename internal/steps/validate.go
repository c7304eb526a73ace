package steps

import (
	"fmt"
	"strings"
)

// ValidationError reports a step that cannot be executed.
type ValidationError struct {
	Index  int // position in the submitted list, -1 when validating a lone step
	Kind   Kind
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Index >= 0 {
		if e.Kind != "" {
			return fmt.Sprintf("step %d (%s): %s", e.Index, e.Kind, e.Reason)
		}
		return fmt.Sprintf("step %d: %s", e.Index, e.Reason)
	}
	if e.Kind != "" {
		return fmt.Sprintf("%s step: %s", e.Kind, e.Reason)
	}
	return "step: " + e.Reason
}

func invalid(kind Kind, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Index: -1, Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

func countSet(values ...bool) int {
	n := 0
	for _, v := range values {
		if v {
			n++
		}
	}
	return n
}

func present(s string) bool { return s != "" }

// Validate checks the construction rules of a single step.
func Validate(s Step) error {
	switch v := s.(type) {
	case Goto:
		if strings.TrimSpace(v.URL) == "" {
			return invalid(KindGoto, "url is required")
		}
		switch v.WaitUntil {
		case "", "load", "domcontentloaded", "networkidle", "commit":
		default:
			return invalid(KindGoto, "unsupported wait_until %q", v.WaitUntil)
		}
	case WaitFor:
		if countSet(present(v.Selector), present(v.Text), present(v.LoadState)) != 1 {
			return invalid(KindWaitFor, "exactly one of selector, text, load_state is required")
		}
		switch v.LoadState {
		case "", "load", "domcontentloaded", "networkidle":
		default:
			return invalid(KindWaitFor, "unsupported load_state %q", v.LoadState)
		}
	case Click:
		if countSet(present(v.Selector), present(v.Text), present(v.Role)) != 1 {
			return invalid(KindClick, "exactly one of selector, text, role is required")
		}
	case Type:
		if v.Selector == "" {
			return invalid(KindType, "selector is required")
		}
	case Press:
		if v.Key == "" {
			return invalid(KindPress, "key is required")
		}
	case Scroll:
		if countSet(v.Pixels != nil, present(v.ToSelector)) != 1 {
			return invalid(KindScroll, "exactly one of pixels, to_selector is required")
		}
	case Screenshot, Extract, ExtractReadable:
	case Links:
		if v.Scope == "" {
			return invalid(KindLinks, "scope must not be empty")
		}
	case Quote:
		if v.Query == "" {
			return invalid(KindQuote, "query is required")
		}
		if v.ContextChars < 0 {
			return invalid(KindQuote, "context_chars must be >= 0")
		}
	case PauseForUser:
		if strings.TrimSpace(v.Reason) == "" {
			return invalid(KindPauseForUser, "reason is required")
		}
	case nil:
		return invalid("", "step is nil")
	default:
		return invalid("", "unknown step type %T", s)
	}
	return nil
}

// ValidateAll validates a list, reporting the first offending index.
func ValidateAll(list []Step) error {
	for i, s := range list {
		if err := Validate(s); err != nil {
			ve := err.(*ValidationError)
			ve.Index = i
			return ve
		}
	}
	return nil
}
