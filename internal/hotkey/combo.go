// Package hotkey parses key combinations, maps them to actions, and
// receives key events from the OS-level listener over a local control
// socket.
package hotkey

import (
	"fmt"
	"slices"
	"strings"
)

// Modifier is a bit set of held modifier keys.
type Modifier uint8

const (
	Ctrl Modifier = 1 << iota
	Alt
	Shift
	Super
)

var modifierNames = []struct {
	mod   Modifier
	names []string
}{
	{Ctrl, []string{"ctrl", "control"}},
	{Alt, []string{"alt", "option"}},
	{Shift, []string{"shift"}},
	{Super, []string{"super", "cmd", "meta", "win"}},
}

var namedKeys = []string{
	"space", "enter", "tab", "esc", "backspace", "delete", "insert",
	"home", "end", "page_up", "page_down", "up", "down", "left", "right",
	"pause", "print_screen", "scroll_lock", "caps_lock", "menu",
}

var keyAliases = map[string]string{
	"return":   "enter",
	"escape":   "esc",
	"pgup":     "page_up",
	"pgdn":     "page_down",
	"del":      "delete",
	"ins":      "insert",
	"spacebar": "space",
}

// Combo is a set of modifiers plus exactly one main key.
type Combo struct {
	Mods Modifier
	Key  string
}

// String renders the combo in canonical "<ctrl>+<alt>+t" form.
func (c Combo) String() string {
	var parts []string
	for _, m := range modifierNames {
		if c.Mods&m.mod != 0 {
			parts = append(parts, "<"+m.names[0]+">")
		}
	}
	key := c.Key
	if len(key) > 1 {
		key = "<" + key + ">"
	}
	return strings.Join(append(parts, key), "+")
}

// ParseCombo accepts "<ctrl>+<alt>+<shift>+t" and "ctrl+alt+shift+t"
// spellings, case-insensitively.
func ParseCombo(s string) (Combo, error) {
	var c Combo
	if strings.TrimSpace(s) == "" {
		return c, fmt.Errorf("empty key combination")
	}
	for _, raw := range strings.Split(s, "+") {
		tok := strings.ToLower(strings.TrimSpace(raw))
		tok = strings.TrimSuffix(strings.TrimPrefix(tok, "<"), ">")
		if tok == "" {
			return Combo{}, fmt.Errorf("combination %q: empty key name", s)
		}

		if mod, ok := lookupModifier(tok); ok {
			if c.Mods&mod != 0 {
				return Combo{}, fmt.Errorf("combination %q: modifier %q repeated", s, tok)
			}
			c.Mods |= mod
			continue
		}

		key, ok := lookupKey(tok)
		if !ok {
			return Combo{}, fmt.Errorf("combination %q: unknown key %q", s, raw)
		}
		if c.Key != "" {
			return Combo{}, fmt.Errorf("combination %q: more than one main key (%q and %q)", s, c.Key, key)
		}
		c.Key = key
	}
	if c.Key == "" {
		return Combo{}, fmt.Errorf("combination %q: no main key", s)
	}
	return c, nil
}

func lookupModifier(tok string) (Modifier, bool) {
	for _, m := range modifierNames {
		if slices.Contains(m.names, tok) {
			return m.mod, true
		}
	}
	return 0, false
}

func lookupKey(tok string) (string, bool) {
	if alias, ok := keyAliases[tok]; ok {
		tok = alias
	}
	if len(tok) == 1 {
		r := tok[0]
		return tok, r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || strings.IndexByte("`-=[];',./\\", r) >= 0
	}
	if tok[0] == 'f' {
		var n int
		if _, err := fmt.Sscanf(tok, "f%d", &n); err == nil && n >= 1 && n <= 24 && tok == fmt.Sprintf("f%d", n) {
			return tok, true
		}
	}
	return tok, slices.Contains(namedKeys, tok)
}
