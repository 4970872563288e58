package sqltemplate

import (
	"fmt"
	"strings"
)

// TokenKind classifies a lexical token.
type TokenKind int

const (
	TokenIdentifier       TokenKind = iota // identifiers and keywords
	TokenQuotedIdentifier                  // "quoted identifier"
	TokenParam                             // $1 bind parameter
	TokenInteger                           // 42
	TokenFloat                             // 4.2, .5, 1e10
	TokenString                            // 'x', E'x', U&'x', $$x$$
	TokenBitString                         // B'0101', X'1F'
	TokenOperator                          // =, <>, ::, ||
	TokenPunct                             // ( ) [ ] , ; : .
)

var tokenKindNames = [...]string{
	TokenIdentifier:       "identifier",
	TokenQuotedIdentifier: "quoted_identifier",
	TokenParam:            "param",
	TokenInteger:          "integer",
	TokenFloat:            "float",
	TokenString:           "string",
	TokenBitString:        "bit_string",
	TokenOperator:         "operator",
	TokenPunct:            "punct",
}

func (k TokenKind) String() string {
	if int(k) < len(tokenKindNames) {
		return tokenKindNames[k]
	}
	return fmt.Sprintf("TokenKind(%d)", int(k))
}

// IsConstant reports whether tokens of this kind are replaced by placeholders.
func (k TokenKind) IsConstant() bool {
	return k == TokenInteger || k == TokenFloat || k == TokenString
}

// Token is a half-open byte range [Start, End) of the scanned input.
type Token struct {
	Kind  TokenKind
	Start int
	End   int
}

// Text returns the source text of the token.
func (t Token) Text(src string) string {
	return src[t.Start:t.End]
}

// TokenizationError reports input the scanner cannot classify.
type TokenizationError struct {
	Offset int
	Reason string
}

func (e *TokenizationError) Error() string {
	return fmt.Sprintf("tokenization failed at offset %d: %s", e.Offset, e.Reason)
}

// Tokenize splits sql into tokens, dropping whitespace and comments.
func Tokenize(sql string) ([]Token, error) {
	s := scanner{src: sql}
	var tokens []Token
	for {
		tok, _, ok, err := s.next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return tokens, nil
		}
		tokens = append(tokens, tok)
	}
}

// scanner is a PostgreSQL-flavoured SQL lexer working on bytes. Bytes >= 0x80
// are identifier characters, as in the server's own scanner.
type scanner struct {
	src string
	pos int
}

// next skips whitespace and comments and returns the following token. gap is
// true when anything was skipped. ok is false at end of input.
func (s *scanner) next() (tok Token, gap bool, ok bool, err error) {
	gap, err = s.skipSpace()
	if err != nil || s.pos >= len(s.src) {
		return Token{}, gap, false, err
	}

	start := s.pos
	c := s.src[s.pos]

	switch {
	case isIdentStart(c):
		tok, err = s.scanWord()
	case isDigit(c) || (c == '.' && isDigit(s.peek(1))):
		tok = s.scanNumber()
	case c == '\'':
		err = s.scanQuoted('\'', false)
		tok = Token{Kind: TokenString, Start: start, End: s.pos}
	case c == '"':
		err = s.scanQuoted('"', false)
		tok = Token{Kind: TokenQuotedIdentifier, Start: start, End: s.pos}
	case c == '$':
		tok, err = s.scanDollar()
	case c == ':' && (s.peek(1) == ':' || s.peek(1) == '='):
		s.pos += 2
		tok = Token{Kind: TokenOperator, Start: start, End: s.pos}
	case c == '.' && s.peek(1) == '.':
		s.pos += 2
		tok = Token{Kind: TokenOperator, Start: start, End: s.pos}
	case strings.IndexByte(",()[];:.", c) >= 0:
		s.pos++
		tok = Token{Kind: TokenPunct, Start: start, End: s.pos}
	case isOpChar(c):
		tok = s.scanOperator()
	default:
		err = &TokenizationError{Offset: start, Reason: fmt.Sprintf("unexpected character %q", c)}
	}

	if err != nil {
		return Token{}, gap, false, err
	}
	return tok, gap, true, nil
}

func (s *scanner) peek(n int) byte {
	if s.pos+n < len(s.src) {
		return s.src[s.pos+n]
	}
	return 0
}

func (s *scanner) skipSpace() (bool, error) {
	skipped := false
	for s.pos < len(s.src) {
		c := s.src[s.pos]
		switch {
		case isSpace(c):
			s.pos++
		case c == '-' && s.peek(1) == '-':
			if nl := strings.IndexByte(s.src[s.pos:], '\n'); nl >= 0 {
				s.pos += nl + 1
			} else {
				s.pos = len(s.src)
			}
		case c == '/' && s.peek(1) == '*':
			if err := s.skipBlockComment(); err != nil {
				return skipped, err
			}
		default:
			return skipped, nil
		}
		skipped = true
	}
	return skipped, nil
}

// skipBlockComment consumes a possibly nested /* ... */ comment.
func (s *scanner) skipBlockComment() error {
	start := s.pos
	depth := 0
	for s.pos < len(s.src) {
		switch {
		case s.src[s.pos] == '/' && s.peek(1) == '*':
			depth++
			s.pos += 2
		case s.src[s.pos] == '*' && s.peek(1) == '/':
			depth--
			s.pos += 2
			if depth == 0 {
				return nil
			}
		default:
			s.pos++
		}
	}
	return &TokenizationError{Offset: start, Reason: "unterminated block comment"}
}

// scanWord reads an identifier or keyword, or a prefixed string literal
// (E'..', U&'..', N'..', B'..', X'..').
func (s *scanner) scanWord() (Token, error) {
	start := s.pos
	c := s.src[s.pos]

	switch {
	case (c == 'E' || c == 'e') && s.peek(1) == '\'':
		s.pos++
		err := s.scanQuoted('\'', true)
		return Token{Kind: TokenString, Start: start, End: s.pos}, err
	case (c == 'N' || c == 'n') && s.peek(1) == '\'':
		s.pos++
		err := s.scanQuoted('\'', false)
		return Token{Kind: TokenString, Start: start, End: s.pos}, err
	case (c == 'B' || c == 'b' || c == 'X' || c == 'x') && s.peek(1) == '\'':
		s.pos++
		err := s.scanQuoted('\'', false)
		return Token{Kind: TokenBitString, Start: start, End: s.pos}, err
	case (c == 'U' || c == 'u') && s.peek(1) == '&' && s.peek(2) == '\'':
		s.pos += 2
		err := s.scanQuoted('\'', false)
		return Token{Kind: TokenString, Start: start, End: s.pos}, err
	case (c == 'U' || c == 'u') && s.peek(1) == '&' && s.peek(2) == '"':
		s.pos += 2
		err := s.scanQuoted('"', false)
		return Token{Kind: TokenQuotedIdentifier, Start: start, End: s.pos}, err
	}

	s.pos++
	for s.pos < len(s.src) && isIdentCont(s.src[s.pos]) {
		s.pos++
	}
	return Token{Kind: TokenIdentifier, Start: start, End: s.pos}, nil
}

// scanQuoted consumes a quoted run starting at the opening quote. A doubled
// quote is an escaped quote; with backslashEscapes a backslash escapes the
// next byte as well.
func (s *scanner) scanQuoted(quote byte, backslashEscapes bool) error {
	start := s.pos
	s.pos++ // opening quote
	for s.pos < len(s.src) {
		c := s.src[s.pos]
		switch {
		case backslashEscapes && c == '\\':
			s.pos += 2
		case c == quote && s.peek(1) == quote:
			s.pos += 2
		case c == quote:
			s.pos++
			return nil
		default:
			s.pos++
		}
	}
	s.pos = len(s.src)
	if quote == '"' {
		return &TokenizationError{Offset: start, Reason: "unterminated quoted identifier"}
	}
	return &TokenizationError{Offset: start, Reason: "unterminated quoted string"}
}

// scanNumber reads an integer or floating-point literal. Signs are separate
// operator tokens except inside an exponent.
func (s *scanner) scanNumber() Token {
	start := s.pos

	if s.src[s.pos] == '0' {
		if base := s.peek(1) | 0x20; (base == 'x' || base == 'o' || base == 'b') && isBaseDigit(base, s.peek(2)) {
			s.pos += 2
			for s.pos < len(s.src) && (isBaseDigit(base, s.src[s.pos]) || s.src[s.pos] == '_') {
				s.pos++
			}
			return Token{Kind: TokenInteger, Start: start, End: s.pos}
		}
	}

	kind := TokenInteger
	s.skipDigits()
	// "1..5" is an integer followed by the ".." operator.
	if s.pos < len(s.src) && s.src[s.pos] == '.' && s.peek(1) != '.' {
		kind = TokenFloat
		s.pos++
		s.skipDigits()
	}
	if s.pos < len(s.src) && (s.src[s.pos] == 'e' || s.src[s.pos] == 'E') {
		n := 1
		if s.peek(1) == '+' || s.peek(1) == '-' {
			n = 2
		}
		if isDigit(s.peek(n)) {
			kind = TokenFloat
			s.pos += n
			s.skipDigits()
		}
	}
	return Token{Kind: kind, Start: start, End: s.pos}
}

func (s *scanner) skipDigits() {
	for s.pos < len(s.src) && (isDigit(s.src[s.pos]) || (s.src[s.pos] == '_' && isDigit(s.peek(1)))) {
		s.pos++
	}
}

// scanDollar reads a bind parameter ($1) or a dollar-quoted string ($tag$...$tag$).
func (s *scanner) scanDollar() (Token, error) {
	start := s.pos

	if isDigit(s.peek(1)) {
		s.pos++
		for s.pos < len(s.src) && isDigit(s.src[s.pos]) {
			s.pos++
		}
		return Token{Kind: TokenParam, Start: start, End: s.pos}, nil
	}

	end := s.pos + 1
	if end < len(s.src) && isIdentStart(s.src[end]) {
		end++
		for end < len(s.src) && isIdentCont(s.src[end]) && s.src[end] != '$' {
			end++
		}
	}
	if end >= len(s.src) || s.src[end] != '$' {
		return Token{}, &TokenizationError{Offset: start, Reason: "unexpected character '$'"}
	}

	delim := s.src[start : end+1]
	body := end + 1
	closing := strings.Index(s.src[body:], delim)
	if closing < 0 {
		s.pos = len(s.src)
		return Token{}, &TokenizationError{Offset: start, Reason: "unterminated dollar-quoted string"}
	}
	s.pos = body + closing + len(delim)
	return Token{Kind: TokenString, Start: start, End: s.pos}, nil
}

// scanOperator reads a run of operator characters. As in PostgreSQL the run
// stops before a comment start, and a trailing + or - is only part of the
// operator when the run contains one of ~ ! @ # % ^ & | ` ?.
func (s *scanner) scanOperator() Token {
	start := s.pos
	for s.pos < len(s.src) && isOpChar(s.src[s.pos]) {
		if s.pos > start {
			if (s.src[s.pos] == '-' && s.peek(1) == '-') || (s.src[s.pos] == '/' && s.peek(1) == '*') {
				break
			}
		}
		s.pos++
	}

	end := s.pos
	if end-start > 1 && !strings.ContainsAny(s.src[start:end], "~!@#%^&|`?") {
		for end-start > 1 && (s.src[end-1] == '+' || s.src[end-1] == '-') {
			end--
		}
	}
	s.pos = end
	return Token{Kind: TokenOperator, Start: start, End: end}
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' || c == '\v'
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isBaseDigit(base, c byte) bool {
	switch base {
	case 'x':
		return isDigit(c) || (c|0x20 >= 'a' && c|0x20 <= 'f')
	case 'o':
		return c >= '0' && c <= '7'
	case 'b':
		return c == '0' || c == '1'
	}
	return false
}

func isIdentStart(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '_' || c >= 0x80
}

func isIdentCont(c byte) bool {
	return isIdentStart(c) || isDigit(c) || c == '$'
}

func isOpChar(c byte) bool {
	return strings.IndexByte("+-*/<>=~!@#%^&|`?", c) >= 0
}
