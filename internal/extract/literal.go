package extract

import (
	"strconv"
	"strings"
	"unicode/utf8"

	"rtpfuzz/internal/protocol"
)

func parseInt(text string) (protocol.Value, bool) {
	clean := strings.ReplaceAll(text, "_", "")
	i, err := strconv.ParseInt(clean, 0, 64)
	if err != nil {
		return protocol.Value{}, false
	}
	return protocol.Int(i), true
}

func parseFloat(text string) (protocol.Value, bool) {
	clean := strings.ReplaceAll(text, "_", "")
	f, err := strconv.ParseFloat(clean, 64)
	if err != nil {
		return protocol.Value{}, false
	}
	return protocol.Float(f), true
}

// pyString decodes a single Python string literal token. f-strings are
// rejected since their value is not known statically.
func pyString(tok string) (string, bool) {
	i := 0
	raw := false
	for i < len(tok) && strings.ContainsRune("rRuUbBfF", rune(tok[i])) {
		switch tok[i] {
		case 'f', 'F':
			return "", false
		case 'r', 'R':
			raw = true
		}
		i++
	}
	body := tok[i:]
	var quote string
	switch {
	case strings.HasPrefix(body, `"""`), strings.HasPrefix(body, `'''`):
		quote = body[:3]
	case strings.HasPrefix(body, `"`), strings.HasPrefix(body, `'`):
		quote = body[:1]
	default:
		return "", false
	}
	if len(body) < 2*len(quote) || !strings.HasSuffix(body, quote) {
		return "", false
	}
	inner := body[len(quote) : len(body)-len(quote)]
	if raw {
		return inner, true
	}
	return unescape(inner)
}

// unescape handles the Python escape sequences that occur in protocol
// sources. Unknown escapes are kept verbatim, as Python does; \N{...} is
// rejected.
func unescape(s string) (string, bool) {
	if !strings.Contains(s, `\`) {
		return s, true
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 >= len(s) {
			b.WriteByte(c)
			continue
		}
		i++
		switch e := s[i]; e {
		case '\n':
		case '\\', '\'', '"':
			b.WriteByte(e)
		case 'n':
			b.WriteByte('\n')
		case 't':
			b.WriteByte('\t')
		case 'r':
			b.WriteByte('\r')
		case 'a':
			b.WriteByte('\a')
		case 'b':
			b.WriteByte('\b')
		case 'f':
			b.WriteByte('\f')
		case 'v':
			b.WriteByte('\v')
		case '0', '1', '2', '3', '4', '5', '6', '7':
			j := i
			for j < len(s) && j < i+3 && s[j] >= '0' && s[j] <= '7' {
				j++
			}
			r, _ := strconv.ParseUint(s[i:j], 8, 32)
			b.WriteRune(rune(r))
			i = j - 1
		case 'N':
			// named escapes need the Unicode name table
			return "", false
		case 'x', 'u', 'U':
			width := 2
			switch e {
			case 'u':
				width = 4
			case 'U':
				width = 8
			}
			if i+1+width > len(s) {
				return "", false
			}
			r, err := strconv.ParseUint(s[i+1:i+1+width], 16, 32)
			if err != nil || !utf8.ValidRune(rune(r)) {
				return "", false
			}
			b.WriteRune(rune(r))
			i += width
		default:
			b.WriteByte('\\')
			b.WriteByte(e)
		}
	}
	return b.String(), true
}
