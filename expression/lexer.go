package expression

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokOp
	tokLParen
	tokRParen
	tokComma
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func (t token) is(word string) bool {
	return t.kind == tokIdent && strings.EqualFold(t.text, word)
}

// lex splits src into tokens. The error carries the offending offset.
func lex(src string) ([]token, int, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := rune(src[i])
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case c == ',':
			toks = append(toks, token{tokComma, ",", i})
			i++
		case c == '\'' || c == '"':
			start := i
			var b strings.Builder
			i++
			for {
				if i >= len(src) {
					return nil, start, fmt.Errorf("unterminated string")
				}
				if rune(src[i]) == c {
					// A doubled quote is a literal quote.
					if i+1 < len(src) && rune(src[i+1]) == c {
						b.WriteByte(src[i])
						i += 2
						continue
					}
					i++
					break
				}
				b.WriteByte(src[i])
				i++
			}
			toks = append(toks, token{tokString, b.String(), start})
		case strings.ContainsRune("=!<>", c):
			start := i
			i++
			if i < len(src) && strings.ContainsRune("=>", rune(src[i])) {
				i++
			}
			text := src[start:i]
			if _, ok := symbolOps[text]; !ok {
				return nil, start, fmt.Errorf("unknown operator %q", text)
			}
			toks = append(toks, token{tokOp, text, start})
		case unicode.IsDigit(c) || ((c == '-' || c == '+' || c == '.') && i+1 < len(src) && (unicode.IsDigit(rune(src[i+1])) || src[i+1] == '.')):
			start := i
			i++
			for i < len(src) && (unicode.IsDigit(rune(src[i])) || strings.ContainsRune(".eE", rune(src[i])) ||
				((src[i] == '-' || src[i] == '+') && (src[i-1] == 'e' || src[i-1] == 'E'))) {
				i++
			}
			toks = append(toks, token{tokNumber, src[start:i], start})
		case c == '_' || unicode.IsLetter(c):
			start := i
			for i < len(src) && (src[i] == '_' || src[i] == '.' || unicode.IsLetter(rune(src[i])) || unicode.IsDigit(rune(src[i]))) {
				i++
			}
			toks = append(toks, token{tokIdent, src[start:i], start})
		default:
			return nil, i, fmt.Errorf("unexpected character %q", c)
		}
	}
	toks = append(toks, token{kind: tokEOF, pos: len(src)})
	return toks, 0, nil
}
