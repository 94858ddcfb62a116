package archive

import "strings"

// asciiSubstitutions ports util.py's _ascii_substitutions table:
// approximate ASCII equivalents for a handful of characters that turn
// up in DWC unit/alert labels, plus blanking out control characters
// and DEL.
var asciiSubstitutions = map[rune]string{
	'✱': "*",     // HEAVY ASTERISK
	'µ': "u",     // MICRO SIGN
	'°': "deg",   // DEGREE SIGN
	'₂': "2",     // SUBSCRIPT TWO
	'²': "^2",    // SUPERSCRIPT TWO
	'Δ': "Delta", // GREEK CAPITAL LETTER DELTA
}

// stringToASCII converts a label to an approximate ASCII rendering,
// grounding util.py's string_to_ascii.
func stringToASCII(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r < 32 || r == 127 {
			b.WriteByte(' ')
			continue
		}
		if repl, ok := asciiSubstitutions[r]; ok {
			b.WriteString(repl)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// stripControl blanks control characters and DEL without touching
// anything else, matching enums.py's _del_control table.
func stripControl(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r < 32 || r == 127 {
			b.WriteByte(' ')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
