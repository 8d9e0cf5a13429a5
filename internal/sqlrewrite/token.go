// Package sqlrewrite turns a statement captured while computing one record's
// metric into a correlated fragment usable in a bulk UPDATE over the
// companion store.
package sqlrewrite

import (
	"strings"
)

// TokenType classifies a lexical token of a captured statement.
type TokenType int

const (
	WORD TokenType = iota
	NUMBER
	STRING
	IDENTIFIER // quoted identifier: "x", `x` or [x]
	PLACEHOLDER
	SPACE
	PUNCT
)

func (t TokenType) String() string {
	switch t {
	case WORD:
		return "WORD"
	case NUMBER:
		return "NUMBER"
	case STRING:
		return "STRING"
	case IDENTIFIER:
		return "IDENTIFIER"
	case PLACEHOLDER:
		return "PLACEHOLDER"
	case SPACE:
		return "SPACE"
	case PUNCT:
		return "PUNCT"
	default:
		return "UNKNOWN"
	}
}

// Token is a slice of the original statement text.
type Token struct {
	Type  TokenType
	Value string
}

// Tokenize splits sql into tokens. Concatenating the values of the result
// yields the input unchanged. Unterminated quotes run to the end of input.
func Tokenize(sql string) []Token {
	var tokens []Token
	i := 0
	for i < len(sql) {
		c := sql[i]
		start := i
		switch {
		case isSpace(c):
			for i < len(sql) && isSpace(sql[i]) {
				i++
			}
			tokens = append(tokens, Token{SPACE, sql[start:i]})
		case c == '\'':
			i = scanQuoted(sql, i, '\'')
			tokens = append(tokens, Token{STRING, sql[start:i]})
		case c == '"' || c == '`':
			i = scanQuoted(sql, i, c)
			tokens = append(tokens, Token{IDENTIFIER, sql[start:i]})
		case c == '[':
			i = scanQuoted(sql, i, ']')
			tokens = append(tokens, Token{IDENTIFIER, sql[start:i]})
		case c == '?':
			i++
			tokens = append(tokens, Token{PLACEHOLDER, sql[start:i]})
		case c == '$' && i+1 < len(sql) && isDigit(sql[i+1]):
			i++
			for i < len(sql) && isDigit(sql[i]) {
				i++
			}
			tokens = append(tokens, Token{PLACEHOLDER, sql[start:i]})
		case isDigit(c):
			for i < len(sql) && (isDigit(sql[i]) || sql[i] == '.') {
				i++
			}
			tokens = append(tokens, Token{NUMBER, sql[start:i]})
		case isWordStart(c):
			for i < len(sql) && isWordPart(sql[i]) {
				i++
			}
			tokens = append(tokens, Token{WORD, sql[start:i]})
		default:
			i++
			tokens = append(tokens, Token{PUNCT, sql[start:i]})
		}
	}
	return tokens
}

// scanQuoted returns the index just past the quoted run starting at i.
// A doubled closing quote is an escaped quote.
func scanQuoted(sql string, i int, closing byte) int {
	i++
	for i < len(sql) {
		if sql[i] == closing {
			if i+1 < len(sql) && sql[i+1] == closing && closing != ']' {
				i += 2
				continue
			}
			return i + 1
		}
		i++
	}
	return i
}

// unquote strips the quoting of a STRING or IDENTIFIER token.
func unquote(tok Token) string {
	v := tok.Value
	if len(v) < 2 {
		return v
	}
	first := v[0]
	inner := v[1 : len(v)-1]
	switch first {
	case '\'':
		return strings.ReplaceAll(inner, "''", "'")
	case '"':
		return strings.ReplaceAll(inner, `""`, `"`)
	case '`':
		return strings.ReplaceAll(inner, "``", "`")
	}
	return inner
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f'
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isWordStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isWordPart(c byte) bool { return isWordStart(c) || isDigit(c) || c == '$' }
