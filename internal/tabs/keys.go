package tabs

import (
	"unicode/utf8"

	"github.com/go-rod/rod/lib/input"

	"github.com/camofox/camofox-go/internal/types"
)

// namedKeys maps the key names clients send to engine key codes.
var namedKeys = map[string]input.Key{
	"Enter":      input.Enter,
	"Tab":        input.Tab,
	"Escape":     input.Escape,
	"Backspace":  input.Backspace,
	"Delete":     input.Delete,
	"ArrowUp":    input.ArrowUp,
	"ArrowDown":  input.ArrowDown,
	"ArrowLeft":  input.ArrowLeft,
	"ArrowRight": input.ArrowRight,
	"Home":       input.Home,
	"End":        input.End,
	"PageUp":     input.PageUp,
	"PageDown":   input.PageDown,
}

// lookupKey resolves a client key name to an engine key. Single printable
// characters pass through as themselves.
func lookupKey(name string) (input.Key, error) {
	if k, ok := namedKeys[name]; ok {
		return k, nil
	}
	if utf8.RuneCountInString(name) == 1 {
		r, _ := utf8.DecodeRuneInString(name)
		return input.Key(r), nil
	}
	return 0, types.NewValidationError("Unsupported key: " + name)
}
