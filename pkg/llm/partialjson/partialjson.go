// Package partialjson reconstructs the best complete JSON object from a
// truncated fragment, as produced by streaming tool-call arguments.
//
// The rules: closed structural delimiters bind; an unclosed string in value
// position is completed at its last whole character (a dangling escape or
// split rune is dropped); an unclosed object or array is closed after its
// last complete member, so a dangling key, colon, or comma is discarded.
// Anything unparseable yields an empty object rather than an error, since the
// fragment will be re-parsed on the next delta anyway.
package partialjson

import (
	"encoding/json"
	"strings"
)

type frame struct {
	container byte // '{' or '['
	expectKey bool // inside an object, the next string is a key
}

// Object parses fragment into a JSON object, repairing truncation. The
// result is never nil; garbage or a non-object fragment gives an empty map.
func Object(fragment string) map[string]any {
	repaired, ok := Complete(fragment)
	if !ok {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(repaired), &out); err != nil || out == nil {
		return map[string]any{}
	}
	return out
}

// Complete returns fragment extended to syntactically complete JSON, along
// with whether the fragment looked like the start of an object at all.
func Complete(fragment string) (string, bool) {
	s := strings.TrimLeft(fragment, " \t\r\n")
	if s == "" || s[0] != '{' {
		return "", false
	}

	var stack []frame

	// Last position (exclusive) at which cutting the input and appending
	// closers yields valid JSON, plus the closers needed there.
	safeEnd := 0
	var safeStack []frame
	markSafe := func(end int) {
		safeEnd = end
		safeStack = append(safeStack[:0:0], stack...)
	}

	inString := false
	isKey := false
	stringSafe := 0 // last whole-character offset inside the current string
	escaped := false
	hexLeft := 0  // pending \uXXXX digits
	runeLeft := 0 // pending UTF-8 continuation bytes

	i := 0
scan:
	for i < len(s) {
		c := s[i]
		if inString {
			switch {
			case hexLeft > 0:
				if !isHex(c) {
					break scan
				}
				hexLeft--
				if hexLeft == 0 {
					stringSafe = i + 1
				}
			case escaped:
				escaped = false
				switch c {
				case 'u':
					hexLeft = 4
				case '"', '\\', '/', 'b', 'f', 'n', 'r', 't':
					stringSafe = i + 1
				default:
					break scan
				}
			case runeLeft > 0:
				if c&0xC0 != 0x80 {
					break scan
				}
				runeLeft--
				if runeLeft == 0 {
					stringSafe = i + 1
				}
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
				if !isKey {
					markSafe(i + 1)
				}
			case c >= 0x80:
				switch {
				case c&0xE0 == 0xC0:
					runeLeft = 1
				case c&0xF0 == 0xE0:
					runeLeft = 2
				case c&0xF8 == 0xF0:
					runeLeft = 3
				default:
					break scan
				}
			case c < 0x20:
				break scan
			default:
				stringSafe = i + 1
			}
			i++
			continue
		}

		switch c {
		case ' ', '\t', '\r', '\n':
		case '{':
			stack = append(stack, frame{container: '{', expectKey: true})
			markSafe(i + 1)
		case '[':
			stack = append(stack, frame{container: '['})
			markSafe(i + 1)
		case '}', ']':
			if len(stack) == 0 {
				break scan
			}
			stack = stack[:len(stack)-1]
			markSafe(i + 1)
			if len(stack) == 0 {
				// Top-level object closed; the rest is not ours.
				break scan
			}
		case ':':
			if top := topFrame(stack); top != nil {
				top.expectKey = false
			}
		case ',':
			if top := topFrame(stack); top != nil && top.container == '{' {
				top.expectKey = true
			}
		case '"':
			inString = true
			escaped = false
			top := topFrame(stack)
			isKey = top != nil && top.container == '{' && top.expectKey
			stringSafe = i + 1
		case 't', 'f', 'n':
			lit := "true"
			if c == 'f' {
				lit = "false"
			} else if c == 'n' {
				lit = "null"
			}
			if !strings.HasPrefix(s[i:], lit) {
				break scan
			}
			i += len(lit)
			markSafe(i)
			continue
		default:
			if c == '-' || c >= '0' && c <= '9' {
				lastDigit := -1
				j := i
				for j < len(s) && isNumberChar(s[j]) {
					if s[j] >= '0' && s[j] <= '9' {
						lastDigit = j
					}
					j++
				}
				if lastDigit >= 0 {
					markSafe(lastDigit + 1)
				}
				i = j
				continue
			}
			break scan
		}
		i++
	}

	var b strings.Builder
	if inString && !isKey {
		b.WriteString(s[:stringSafe])
		b.WriteByte('"')
		writeClosers(&b, stack)
	} else {
		b.WriteString(s[:safeEnd])
		writeClosers(&b, safeStack)
	}
	return b.String(), true
}

func topFrame(stack []frame) *frame {
	if len(stack) == 0 {
		return nil
	}
	return &stack[len(stack)-1]
}

func writeClosers(b *strings.Builder, stack []frame) {
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i].container == '{' {
			b.WriteByte('}')
		} else {
			b.WriteByte(']')
		}
	}
}

func isHex(c byte) bool {
	return c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F'
}

func isNumberChar(c byte) bool {
	return c >= '0' && c <= '9' || c == '-' || c == '+' || c == '.' || c == 'e' || c == 'E'
}
