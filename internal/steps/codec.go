package steps

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

type envelope struct {
	Type Kind `json:"type"`
}

// Decode parses one tagged step and validates it.
func Decode(data []byte) (Step, error) {
	s, err := decode(data)
	if err != nil {
		return nil, err
	}
	if err := Validate(s); err != nil {
		return nil, err
	}
	return s, nil
}

// DecodeList parses a JSON array of tagged steps. Errors carry the index of
// the first bad step.
func DecodeList(data []byte) ([]Step, error) {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, &ValidationError{Index: -1, Reason: fmt.Sprintf("steps must be a JSON array: %v", err)}
	}
	return DecodeRaw(raws)
}

// DecodeRaw decodes already-split step objects.
func DecodeRaw(raws []json.RawMessage) ([]Step, error) {
	out := make([]Step, 0, len(raws))
	for i, raw := range raws {
		s, err := Decode(raw)
		if err != nil {
			var ve *ValidationError
			if errors.As(err, &ve) {
				ve.Index = i
				return nil, ve
			}
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func decode(data []byte) (Step, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, invalid("", "malformed step: %v", err)
	}
	switch env.Type {
	case KindGoto:
		return decodeInto(data, Goto{})
	case KindWaitFor:
		return decodeInto(data, WaitFor{})
	case KindClick:
		return decodeInto(data, Click{})
	case KindType:
		return decodeInto(data, Type{})
	case KindPress:
		return decodeInto(data, Press{})
	case KindScroll:
		return decodeInto(data, Scroll{})
	case KindScreenshot:
		return decodeInto(data, Screenshot{})
	case KindExtract:
		return decodeInto(data, Extract{})
	case KindExtractReadable:
		return decodeInto(data, ExtractReadable{})
	case KindLinks:
		return decodeInto(data, Links{Scope: DefaultLinksScope})
	case KindQuote:
		return decodeInto(data, Quote{ContextChars: DefaultQuoteContextChars})
	case KindPauseForUser:
		return decodeInto(data, PauseForUser{})
	case "":
		return nil, invalid("", "missing type")
	default:
		return nil, invalid("", "unknown step type %q", env.Type)
	}
}

// requiredFields must be present in the wire form even when their value may
// be empty.
var requiredFields = map[Kind][]string{
	KindType: {"selector", "text"},
}

// decodeInto decodes data over the defaults in v. Fields the step does not
// define are ignored.
func decodeInto[T Step](data []byte, v T) (Step, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, invalid(v.Kind(), "malformed step: %v", err)
	}
	for _, name := range requiredFields[v.Kind()] {
		if raw, ok := fields[name]; !ok || string(bytes.TrimSpace(raw)) == "null" {
			return nil, invalid(v.Kind(), "%s is required", name)
		}
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, invalid(v.Kind(), "%v", err)
	}
	return v, nil
}

// Encode renders a step in its tagged wire form.
func Encode(s Step) (json.RawMessage, error) {
	if s == nil {
		return nil, errors.New("encode nil step")
	}
	body, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode %s step: %w", s.Kind(), err)
	}
	var buf bytes.Buffer
	buf.WriteString(`{"type":`)
	kind, _ := json.Marshal(s.Kind())
	buf.Write(kind)
	if inner := bytes.TrimSpace(body[1 : len(body)-1]); len(inner) > 0 {
		buf.WriteByte(',')
		buf.Write(inner)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Tagged wraps a step so it marshals in its tagged wire form.
type Tagged struct{ Step }

func (t Tagged) MarshalJSON() ([]byte, error) {
	return Encode(t.Step)
}

func (t *Tagged) UnmarshalJSON(data []byte) error {
	s, err := Decode(data)
	if err != nil {
		return err
	}
	t.Step = s
	return nil
}
