// Package fingerprint reduces statement text to its normalized shape and
// hashes that shape into a fixed-width digest.
package fingerprint

import (
	"strings"
)

// Placeholder replaces every literal in a normalized statement.
const Placeholder = "?"

// listPlaceholder replaces a parenthesized list made only of literals.
const listPlaceholder = "(...)"

// Normalize rewrites a statement into its digest text by:
// - Replacing string, numeric and hex literals with ?
// - Lowercasing everything outside quoted identifiers
// - Dropping comments and collapsing whitespace
// - Collapsing literal lists, e.g. IN (1, 2, 3) and multi-row VALUES, to (...)
// - Dropping a trailing semicolon
//
// Statements that only differ in literal values normalize to the same text.
func Normalize(sql string) string {
	tokens := collapseLists(tokenize(sql))
	for len(tokens) > 0 && tokens[len(tokens)-1] == ";" {
		tokens = tokens[:len(tokens)-1]
	}
	return join(tokens)
}

// tokenize splits a statement into normalized tokens.
func tokenize(sql string) []string {
	var tokens []string
	for i := 0; i < len(sql); {
		c := sql[i]
		switch {
		case isSpace(c):
			i++

		case c == '#', c == '-' && i+1 < len(sql) && sql[i+1] == '-':
			// Line comment.
			for i < len(sql) && sql[i] != '\n' {
				i++
			}

		case c == '/' && i+1 < len(sql) && sql[i+1] == '*':
			end := strings.Index(sql[i+2:], "*/")
			if end < 0 {
				i = len(sql)
			} else {
				i += end + 4
			}

		case c == '\'' || c == '"':
			i = skipQuoted(sql, i, c)
			tokens = append(tokens, Placeholder)

		case c == '`':
			start := i
			i = skipQuoted(sql, i, c)
			tokens = append(tokens, sql[start:i])

		case isDigit(c) || c == '.' && i+1 < len(sql) && isDigit(sql[i+1]):
			i = skipNumber(sql, i)
			tokens = append(tokens, Placeholder)

		case isWord(c):
			start := i
			for i < len(sql) && isWord(sql[i]) {
				i++
			}
			tokens = append(tokens, strings.ToLower(sql[start:i]))

		default:
			if i+1 < len(sql) && isOperatorPair(c, sql[i+1]) {
				tokens = append(tokens, sql[i:i+2])
				i += 2
				continue
			}
			tokens = append(tokens, string(c))
			i++
		}
	}
	return tokens
}

// skipQuoted returns the index just past the quoted run starting at i.
// Doubled quotes and backslash escapes stay inside the run.
func skipQuoted(sql string, i int, quote byte) int {
	i++
	for i < len(sql) {
		switch sql[i] {
		case '\\':
			if quote != '`' {
				i += 2
				continue
			}
		case quote:
			if i+1 < len(sql) && sql[i+1] == quote {
				i += 2
				continue
			}
			return i + 1
		}
		i++
	}
	return len(sql)
}

// skipNumber returns the index just past the numeric literal starting at i.
func skipNumber(sql string, i int) int {
	if sql[i] == '0' && i+1 < len(sql) && (sql[i+1] == 'x' || sql[i+1] == 'X' || sql[i+1] == 'b' || sql[i+1] == 'B') {
		i += 2
		for i < len(sql) && isHex(sql[i]) {
			i++
		}
		return i
	}
	for i < len(sql) && (isDigit(sql[i]) || sql[i] == '.') {
		i++
	}
	if i < len(sql) && (sql[i] == 'e' || sql[i] == 'E') {
		j := i + 1
		if j < len(sql) && (sql[j] == '+' || sql[j] == '-') {
			j++
		}
		if j < len(sql) && isDigit(sql[j]) {
			i = j
			for i < len(sql) && isDigit(sql[i]) {
				i++
			}
		}
	}
	return i
}

// collapseLists replaces literal-only parenthesized lists with (...), then
// folds runs of "(...), (...)" into a single (...).
func collapseLists(tokens []string) []string {
	out := make([]string, 0, len(tokens))
	for i := 0; i < len(tokens); i++ {
		if tokens[i] == "(" {
			if end, ok := literalList(tokens, i); ok {
				out = append(out, listPlaceholder)
				i = end
				continue
			}
		}
		out = append(out, tokens[i])
	}

	folded := out[:0]
	for i := 0; i < len(out); i++ {
		n := len(folded)
		if out[i] == listPlaceholder && n >= 2 && folded[n-1] == "," && folded[n-2] == listPlaceholder {
			folded = folded[:n-1]
			continue
		}
		folded = append(folded, out[i])
	}
	return folded
}

// literalList reports whether tokens[start] opens a list holding only
// placeholders separated by commas, and returns the index of its ")".
func literalList(tokens []string, start int) (int, bool) {
	want := Placeholder
	for i := start + 1; i < len(tokens); i++ {
		switch {
		case tokens[i] == ")" && want == ",":
			return i, true
		case tokens[i] != want:
			return 0, false
		}
		if want == Placeholder {
			want = ","
		} else {
			want = Placeholder
		}
	}
	return 0, false
}

// join renders tokens with single spaces, except around "." and inside
// parentheses, and before commas.
func join(tokens []string) string {
	var b strings.Builder
	for i, tok := range tokens {
		if i > 0 && needsSpace(tokens[i-1], tok) {
			b.WriteByte(' ')
		}
		b.WriteString(tok)
	}
	return b.String()
}

func needsSpace(prev, cur string) bool {
	switch {
	case prev == "(" || prev == ".":
		return false
	case cur == ")" || cur == "," || cur == "." || cur == ";":
		return false
	}
	return true
}

func isOperatorPair(a, b byte) bool {
	switch string([]byte{a, b}) {
	case "<=", ">=", "<>", "!=", "||", "&&", ":=", "<<", ">>":
		return true
	}
	return false
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' || c == '\v'
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isHex(c byte) bool {
	return isDigit(c) || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F'
}

func isWord(c byte) bool {
	return isDigit(c) || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_' || c == '$' || c >= 0x80
}
