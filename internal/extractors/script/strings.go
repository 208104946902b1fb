package script

import (
	"strconv"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/runenames"
)

// decodeString returns the value of a Python str literal given its source
// text, prefix and quotes included. Byte strings and f-strings are not str
// constants and are rejected.
func decodeString(text string) (string, bool) {
	prefixLen := strings.IndexAny(text, `'"`)
	if prefixLen < 0 {
		return "", false
	}
	prefix := strings.ToLower(text[:prefixLen])
	if strings.ContainsAny(prefix, "bf") {
		return "", false
	}
	body := text[prefixLen:]

	var quote string
	switch {
	case strings.HasPrefix(body, `"""`), strings.HasPrefix(body, `'''`):
		quote = body[:3]
	default:
		quote = body[:1]
	}
	if len(body) < 2*len(quote) || !strings.HasSuffix(body, quote) {
		return "", false
	}
	inner := body[len(quote) : len(body)-len(quote)]

	if strings.Contains(prefix, "r") {
		return inner, true
	}
	return unescape(inner), true
}

var hexWidth = map[byte]int{'x': 2, 'u': 4, 'U': 8}

// unescape applies Python str escape sequences, octal and \N{NAME} included.
// Unknown or malformed escapes keep their backslash, as Python does.
func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 >= len(s) {
			sb.WriteByte(c)
			continue
		}
		i++
		switch e := s[i]; e {
		case '\n':
			// line continuation
		case '\\', '\'', '"':
			sb.WriteByte(e)
		case 'n':
			sb.WriteByte('\n')
		case 't':
			sb.WriteByte('\t')
		case 'r':
			sb.WriteByte('\r')
		case 'a':
			sb.WriteByte('\a')
		case 'b':
			sb.WriteByte('\b')
		case 'f':
			sb.WriteByte('\f')
		case 'v':
			sb.WriteByte('\v')
		case 'x', 'u', 'U':
			width := hexWidth[e]
			if i+1+width <= len(s) {
				if r, err := strconv.ParseUint(s[i+1:i+1+width], 16, 32); err == nil && utf8.ValidRune(rune(r)) {
					sb.WriteRune(rune(r))
					i += width
					continue
				}
			}
			sb.WriteByte('\\')
			sb.WriteByte(e)
		case '0', '1', '2', '3', '4', '5', '6', '7':
			end := i + 1
			for end < len(s) && end < i+3 && isOctal(s[end]) {
				end++
			}
			v, _ := strconv.ParseUint(s[i:end], 8, 32)
			sb.WriteRune(rune(v))
			i = end - 1
		case 'N':
			if i+1 < len(s) && s[i+1] == '{' {
				if end := strings.IndexByte(s[i+2:], '}'); end >= 0 {
					if r, ok := lookupRune(s[i+2 : i+2+end]); ok {
						sb.WriteRune(r)
						i += 2 + end
						continue
					}
				}
			}
			sb.WriteString(`\N`)
		default:
			sb.WriteByte('\\')
			sb.WriteByte(e)
		}
	}
	return sb.String()
}

func isOctal(c byte) bool { return c >= '0' && c <= '7' }

const cjkPrefix = "CJK UNIFIED IDEOGRAPH-"

// runeByName is the reverse of runenames.Name, built on first use.
var runeByName = sync.OnceValue(func() map[string]rune {
	m := make(map[string]rune, 40000)
	for r := rune(0); r <= unicode.MaxRune; r++ {
		// Ranged entries such as ideographs carry a "<...>" placeholder.
		if name := runenames.Name(r); name != "" && name[0] != '<' {
			m[name] = r
		}
	}
	return m
})

// lookupRune resolves a Unicode character name, case-insensitively.
func lookupRune(name string) (rune, bool) {
	name = strings.ToUpper(name)
	if hex, ok := strings.CutPrefix(name, cjkPrefix); ok {
		v, err := strconv.ParseUint(hex, 16, 32)
		if err == nil && unicode.Is(unicode.Ideographic, rune(v)) {
			return rune(v), true
		}
		return 0, false
	}
	r, ok := runeByName()[name]
	return r, ok
}
