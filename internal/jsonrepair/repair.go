// Package jsonrepair performs best-effort syntactic recovery of near-valid
// JSON emitted by language models. Every step only rearranges or closes what is
// already in the text; none of them invents field values.
package jsonrepair

import "strings"

// Repair applies every repair step and returns the result. The output may
// still fail to parse; callers treat it as one more candidate, not a guarantee.
func Repair(text string) string {
	text = TrimTrailingProse(text)
	text = NormalizeQuotes(text)
	text = BalanceBrackets(text)
	text = RemoveTrailingCommas(text)
	return text
}

// BalanceBrackets appends the closers needed for any unterminated '{' or '['.
// Brackets inside string literals are ignored. A string literal left open by
// truncation is closed first so the appended closers are not swallowed by it.
func BalanceBrackets(text string) string {
	var stack []byte
	inString := false
	escape := false

	for i := 0; i < len(text); i++ {
		b := text[i]
		if escape {
			escape = false
			continue
		}
		if inString {
			switch b {
			case '\\':
				escape = true
			case '"':
				inString = false
			}
			continue
		}
		switch b {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 && stack[len(stack)-1] == b {
				stack = stack[:len(stack)-1]
			}
		}
	}

	if !inString && len(stack) == 0 {
		return text
	}

	var sb strings.Builder
	sb.Grow(len(text) + len(stack) + 1)
	if inString {
		if escape {
			// A dangling backslash would escape the quote we are about to add.
			text = text[:len(text)-1]
		}
		sb.WriteString(text)
		sb.WriteByte('"')
	} else {
		sb.WriteString(strings.TrimRight(text, " \t\r\n"))
	}
	for i := len(stack) - 1; i >= 0; i-- {
		sb.WriteByte(stack[i])
	}
	return sb.String()
}

// RemoveTrailingCommas drops commas that directly precede a closing '}' or ']'
// (whitespace allowed in between). Commas inside strings are left alone.
func RemoveTrailingCommas(text string) string {
	var sb strings.Builder
	sb.Grow(len(text))
	inString := false
	escape := false

	for i := 0; i < len(text); i++ {
		b := text[i]
		if escape {
			escape = false
			sb.WriteByte(b)
			continue
		}
		if inString {
			switch b {
			case '\\':
				escape = true
			case '"':
				inString = false
			}
			sb.WriteByte(b)
			continue
		}
		if b == '"' {
			inString = true
			sb.WriteByte(b)
			continue
		}
		if b == ',' {
			j := skipSpace(text, i+1)
			if j < len(text) && (text[j] == '}' || text[j] == ']') {
				continue
			}
		}
		sb.WriteByte(b)
	}
	return sb.String()
}

// NormalizeQuotes rewrites single-quoted keys and values as double-quoted
// strings. A single-quoted token is only converted when it sits in a key or
// value position and its body contains no double quote; anything else is
// ambiguous and left untouched. Apostrophes inside double-quoted strings are
// never considered.
func NormalizeQuotes(text string) string {
	if !strings.Contains(text, "'") {
		return text
	}

	var sb strings.Builder
	sb.Grow(len(text))
	inString := false
	escape := false
	var prev byte // last non-space byte written outside strings

	for i := 0; i < len(text); i++ {
		b := text[i]
		if escape {
			escape = false
			sb.WriteByte(b)
			continue
		}
		if inString {
			switch b {
			case '\\':
				escape = true
			case '"':
				inString = false
				prev = '"'
			}
			sb.WriteByte(b)
			continue
		}

		switch {
		case b == '"':
			inString = true
			sb.WriteByte(b)
		case b == '\'' && opensToken(prev):
			end, ok := singleQuotedEnd(text, i)
			if !ok {
				sb.WriteByte(b)
				prev = b
				continue
			}
			body := text[i+1 : end]
			sb.WriteByte('"')
			sb.WriteString(strings.ReplaceAll(body, `\'`, `'`))
			sb.WriteByte('"')
			prev = '"'
			i = end
		default:
			sb.WriteByte(b)
			if !isSpace(b) {
				prev = b
			}
		}
	}
	return sb.String()
}

// TrimTrailingProse cuts everything after the first top-level JSON value that
// starts at the first '{' or '['. Text is returned unchanged when the value
// never closes, which is the truncation case BalanceBrackets deals with.
func TrimTrailingProse(text string) string {
	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return text
	}
	end, ok := matchingClose(text, start)
	if !ok {
		return text
	}
	return text[:end+1]
}

// MatchingClose returns the index of the bracket closing the one at start,
// honouring string literals. ok is false when the value is truncated.
func MatchingClose(text string, start int) (int, bool) {
	return matchingClose(text, start)
}

func matchingClose(text string, start int) (int, bool) {
	depth := 0
	inString := false
	escape := false

	for i := start; i < len(text); i++ {
		b := text[i]
		if escape {
			escape = false
			continue
		}
		if inString {
			switch b {
			case '\\':
				escape = true
			case '"':
				inString = false
			}
			continue
		}
		switch b {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

// singleQuotedEnd finds the closing quote of a single-quoted token starting at
// start. The token must be followed by a structural character and must not
// contain a double quote.
func singleQuotedEnd(text string, start int) (int, bool) {
	for j := start + 1; j < len(text); j++ {
		switch text[j] {
		case '\\':
			j++
		case '"', '\n':
			return 0, false
		case '\'':
			k := skipSpace(text, j+1)
			if k == len(text) || strings.IndexByte(":,}]", text[k]) >= 0 {
				return j, true
			}
		}
	}
	return 0, false
}

func opensToken(prev byte) bool {
	return prev == 0 || prev == '{' || prev == '[' || prev == ',' || prev == ':'
}

func skipSpace(text string, i int) int {
	for i < len(text) && isSpace(text[i]) {
		i++
	}
	return i
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
