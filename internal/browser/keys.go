package browser

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/go-rod/rod/lib/input"
)

var namedKeys = map[string]input.Key{
	"enter":      input.Enter,
	"tab":        input.Tab,
	"escape":     input.Escape,
	"esc":        input.Escape,
	"backspace":  input.Backspace,
	"delete":     input.Delete,
	"insert":     input.Insert,
	"arrowup":    input.ArrowUp,
	"arrowdown":  input.ArrowDown,
	"arrowleft":  input.ArrowLeft,
	"arrowright": input.ArrowRight,
	"home":       input.Home,
	"end":        input.End,
	"pageup":     input.PageUp,
	"pagedown":   input.PageDown,
	"space":      input.Space,
	"f1":         input.F1,
	"f2":         input.F2,
	"f3":         input.F3,
	"f4":         input.F4,
	"f5":         input.F5,
	"f6":         input.F6,
	"f7":         input.F7,
	"f8":         input.F8,
	"f9":         input.F9,
	"f10":        input.F10,
	"f11":        input.F11,
	"f12":        input.F12,
}

var modifierKeys = map[string]input.Key{
	"shift":   input.ShiftLeft,
	"control": input.ControlLeft,
	"ctrl":    input.ControlLeft,
	"alt":     input.AltLeft,
	"meta":    input.MetaLeft,
	"cmd":     input.MetaLeft,
}

// keyChord is a parsed key such as "Control+Shift+K".
type keyChord struct {
	modifiers []input.Key
	key       input.Key
}

// parseKey accepts a named key, a single character, or modifiers joined to
// either with "+".
func parseKey(combo string) (keyChord, error) {
	if combo == "" {
		return keyChord{}, fmt.Errorf("empty key")
	}
	parts := []string{combo}
	if combo != "+" && strings.Contains(combo, "+") {
		parts = strings.Split(combo, "+")
		// "Control++" means Control and the plus key
		if strings.HasSuffix(combo, "++") {
			parts = append(parts[:len(parts)-2], "+")
		}
	}

	var chord keyChord
	for i, p := range parts {
		last := i == len(parts)-1
		if !last {
			mod, ok := modifierKeys[strings.ToLower(p)]
			if !ok {
				return keyChord{}, fmt.Errorf("unknown modifier %q in %q", p, combo)
			}
			chord.modifiers = append(chord.modifiers, mod)
			continue
		}
		k, err := singleKey(p)
		if err != nil {
			return keyChord{}, fmt.Errorf("%w in %q", err, combo)
		}
		chord.key = k
	}
	return chord, nil
}

func singleKey(name string) (input.Key, error) {
	if k, ok := namedKeys[strings.ToLower(name)]; ok {
		return k, nil
	}
	if k, ok := modifierKeys[strings.ToLower(name)]; ok {
		return k, nil
	}
	if utf8.RuneCountInString(name) == 1 {
		r, _ := utf8.DecodeRuneInString(name)
		return input.Key(r), nil
	}
	return 0, fmt.Errorf("unknown key %q", name)
}
