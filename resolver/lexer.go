package resolver

import (
	"fmt"
	"strconv"
	"strings"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokPath
	tokNumber
	tokString
	tokTrue
	tokFalse
	tokNull
	tokLParen
	tokRParen
	tokQuestion
	tokColon
	tokOr
	tokAnd
	tokEq
	tokNeq
	tokGte
	tokLte
	tokGt
	tokLt
	tokNot
)

type token struct {
	kind tokenKind
	text string  // path text (tokPath), raw literal text otherwise
	num  float64 // tokNumber
	str  string  // tokString (unquoted contents)
}

// lex tokenizes an expression. It returns an error for a character it
// does not recognize or a malformed literal; the resolver degrades any
// lex or parse error to a missing result rather than panicking
// (§4.1 "Failure modes").
func lex(expr string) ([]token, error) {
	var toks []token
	s := expr
	i := 0
	n := len(s)

	for i < n {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			toks = append(toks, token{kind: tokLParen})
			i++
		case c == ')':
			toks = append(toks, token{kind: tokRParen})
			i++
		case c == '?':
			toks = append(toks, token{kind: tokQuestion})
			i++
		case c == ':':
			toks = append(toks, token{kind: tokColon})
			i++
		case c == '!':
			if i+1 < n && s[i+1] == '=' {
				toks = append(toks, token{kind: tokNeq})
				i += 2
			} else {
				toks = append(toks, token{kind: tokNot})
				i++
			}
		case c == '=':
			if i+1 < n && s[i+1] == '=' {
				toks = append(toks, token{kind: tokEq})
				i += 2
			} else {
				return nil, fmt.Errorf("resolver: unexpected '=' at %d", i)
			}
		case c == '>':
			if i+1 < n && s[i+1] == '=' {
				toks = append(toks, token{kind: tokGte})
				i += 2
			} else {
				toks = append(toks, token{kind: tokGt})
				i++
			}
		case c == '<':
			if i+1 < n && s[i+1] == '=' {
				toks = append(toks, token{kind: tokLte})
				i += 2
			} else {
				toks = append(toks, token{kind: tokLt})
				i++
			}
		case c == '|':
			if i+1 < n && s[i+1] == '|' {
				toks = append(toks, token{kind: tokOr})
				i += 2
			} else {
				return nil, fmt.Errorf("resolver: unexpected '|' at %d", i)
			}
		case c == '&':
			if i+1 < n && s[i+1] == '&' {
				toks = append(toks, token{kind: tokAnd})
				i += 2
			} else {
				return nil, fmt.Errorf("resolver: unexpected '&' at %d", i)
			}
		case c == '\'' || c == '"':
			str, next, err := scanQuoted(s, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokString, str: str})
			i = next
		case c == '-' || (c >= '0' && c <= '9'):
			numStr, next := scanNumber(s, i)
			f, err := strconv.ParseFloat(numStr, 64)
			if err != nil {
				return nil, fmt.Errorf("resolver: invalid number %q: %w", numStr, err)
			}
			toks = append(toks, token{kind: tokNumber, num: f})
			i = next
		case isIdentStart(c):
			word, next := scanPath(s, i)
			i = next
			switch word {
			case "true":
				toks = append(toks, token{kind: tokTrue})
			case "false":
				toks = append(toks, token{kind: tokFalse})
			case "null":
				toks = append(toks, token{kind: tokNull})
			default:
				toks = append(toks, token{kind: tokPath, text: word})
			}
		default:
			return nil, fmt.Errorf("resolver: unexpected character %q at %d", c, i)
		}
	}

	toks = append(toks, token{kind: tokEOF})
	return toks, nil
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '$'
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

func scanQuoted(s string, start int) (string, int, error) {
	quote := s[start]
	i := start + 1
	var b strings.Builder
	for i < len(s) {
		c := s[i]
		if c == '\\' && i+1 < len(s) {
			b.WriteByte(s[i+1])
			i += 2
			continue
		}
		if c == quote {
			return b.String(), i + 1, nil
		}
		b.WriteByte(c)
		i++
	}
	return "", i, fmt.Errorf("resolver: unterminated string literal starting at %d", start)
}

func scanNumber(s string, start int) (string, int) {
	i := start
	if s[i] == '-' {
		i++
	}
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i < len(s) && s[i] == '.' {
		i++
		for i < len(s) && s[i] >= '0' && s[i] <= '9' {
			i++
		}
	}
	return s[start:i], i
}

// scanPath consumes a dotted/bracketed path expression starting at a
// valid identifier character: ident(.ident | [index] | ['key'] | ["key"])*
func scanPath(s string, start int) (string, int) {
	i := start
	for i < len(s) && isIdentChar(s[i]) {
		i++
	}
	for i < len(s) {
		if s[i] == '.' && i+1 < len(s) && isIdentStart(s[i+1]) {
			i++
			for i < len(s) && isIdentChar(s[i]) {
				i++
			}
			continue
		}
		if s[i] == '[' {
			j := i + 1
			if j < len(s) && (s[j] == '\'' || s[j] == '"') {
				quote := s[j]
				j++
				for j < len(s) && s[j] != quote {
					if s[j] == '\\' && j+1 < len(s) {
						j++
					}
					j++
				}
				if j < len(s) && s[j] == quote {
					j++
				}
			} else {
				for j < len(s) && s[j] != ']' {
					j++
				}
			}
			if j < len(s) && s[j] == ']' {
				j++
			}
			i = j
			continue
		}
		break
	}
	return s[start:i], i
}
