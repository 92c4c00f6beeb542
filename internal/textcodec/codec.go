// Package textcodec prepares outbound text for the Bot API: it splits long
// messages to the protocol limit and expands the hex escape notation used by
// notification templates.
package textcodec

import (
	"iter"
	"regexp"
	"strconv"
	"unicode/utf16"
	"unicode/utf8"
)

// MaxMessageUnits is the Bot API limit for a text message, counted in UTF-16
// code units.
const MaxMessageUnits = 4096

// escapePattern matches a word character, then '0' or 'x', then 4-5 hex digits.
// For "0x1F525" the prefix is "0x" and the digits are "1F525".
var escapePattern = regexp.MustCompile(`(?i)(\w[0x])([\da-f]{4,5})`)

// UnitLen returns the length of s in UTF-16 code units.
func UnitLen(s string) int {
	n := 0
	for _, r := range s {
		n += runeUnits(r)
	}
	return n
}

func runeUnits(r rune) int {
	if n := utf16.RuneLen(r); n > 0 {
		return n
	}
	// Invalid runes are sent as U+FFFD.
	return 1
}

// Split yields consecutive pieces of text, each at most maxUnits UTF-16 code
// units long. Pieces are cut on code point boundaries only, so a surrogate
// pair is never divided; a piece may therefore end one unit short of the limit.
// Concatenating the pieces gives back text. Empty text yields nothing.
func Split(text string, maxUnits int) iter.Seq[string] {
	if maxUnits <= 0 {
		maxUnits = MaxMessageUnits
	}
	return func(yield func(string) bool) {
		start, units := 0, 0
		for i, r := range text {
			w := runeUnits(r)
			if units+w > maxUnits && i > start {
				if !yield(text[start:i]) {
					return
				}
				start, units = i, 0
			}
			units += w
		}
		if start < len(text) {
			yield(text[start:])
		}
	}
}

// Chunks collects Split into a slice.
func Chunks(text string, maxUnits int) []string {
	var out []string
	for c := range Split(text, maxUnits) {
		out = append(out, c)
	}
	return out
}

// DecodeEscapes replaces every escape match with the code point named by its
// hex digits. Text outside the matches is left untouched.
func DecodeEscapes(text string) string {
	return escapePattern.ReplaceAllStringFunc(text, func(m string) string {
		sub := escapePattern.FindStringSubmatch(m)
		if len(sub) != 3 {
			return m
		}
		cp, err := strconv.ParseUint(sub[2], 16, 32)
		if err != nil {
			return m
		}
		r := rune(cp)
		if !utf8.ValidRune(r) {
			return string(utf8.RuneError)
		}
		return string(r)
	})
}
