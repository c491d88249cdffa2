// Lexer.
//
// Identifiers follow SQL rules, keywords are case-insensitive,
// strings are single-quoted with '' as the escape. Numbers lex as
// unsigned integers, signed integers or floats.
package sql

import (
	"strings"

	"github.com/toschoo/nowdb/pkg/errs"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokSymbol // ( ) , ; * = != < <= > >= + - / %
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

type lexer struct {
	in   string
	pos  int
	toks []token
}

func lex(in string) ([]token, *errs.Error) {
	l := &lexer{in: in}
	for {
		tok, err := l.next()
		if err != nil {
			return nil, err
		}
		l.toks = append(l.toks, tok)
		if tok.kind == tokEOF {
			return l.toks, nil
		}
	}
}

func isIdentStart(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func isIdent(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9'
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func (l *lexer) next() (token, *errs.Error) {
	for l.pos < len(l.in) {
		c := l.in[l.pos]
		if c == ' ' || c == '\t' || c == '\n' || c == '\r' {
			l.pos++
			continue
		}
		break
	}
	if l.pos >= len(l.in) {
		return token{kind: tokEOF, pos: l.pos}, nil
	}
	start := l.pos
	c := l.in[l.pos]

	switch {
	case isIdentStart(c):
		for l.pos < len(l.in) && isIdent(l.in[l.pos]) {
			l.pos++
		}
		return token{kind: tokIdent, text: l.in[start:l.pos], pos: start}, nil

	case isDigit(c), c == '-' && l.pos+1 < len(l.in) && isDigit(l.in[l.pos+1]):
		l.pos++
		for l.pos < len(l.in) && (isDigit(l.in[l.pos]) || l.in[l.pos] == '.') {
			l.pos++
		}
		return token{kind: tokNumber, text: l.in[start:l.pos], pos: start}, nil

	case c == '\'':
		var sb strings.Builder
		l.pos++
		for l.pos < len(l.in) {
			if l.in[l.pos] == '\'' {
				if l.pos+1 < len(l.in) && l.in[l.pos+1] == '\'' {
					sb.WriteByte('\'')
					l.pos += 2
					continue
				}
				l.pos++
				return token{kind: tokString, text: sb.String(), pos: start}, nil
			}
			sb.WriteByte(l.in[l.pos])
			l.pos++
		}
		return token{}, errs.New(errs.Invalid, "sql", "unterminated string")

	case c == '!', c == '<', c == '>':
		l.pos++
		if l.pos < len(l.in) && l.in[l.pos] == '=' {
			l.pos++
		}
		return token{kind: tokSymbol, text: l.in[start:l.pos], pos: start}, nil

	case strings.IndexByte("(),;*=+-/%.", c) >= 0:
		l.pos++
		return token{kind: tokSymbol, text: string(c), pos: start}, nil
	}
	return token{}, errs.Newf(errs.Invalid, "sql", "unexpected character %q", string(c))
}
