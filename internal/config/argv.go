package config

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

var (
	errUnterminatedQuote  = errors.New("unterminated quote")
	errUnterminatedEscape = errors.New("unterminated escape sequence")
)

// argvLexer splits one command line. Quotes group words, a backslash takes the
// next rune literally, and an explicitly quoted empty string is kept as an argument.
type argvLexer struct {
	argv    []string
	word    strings.Builder
	inWord  bool
	quote   rune
	escaped bool
}

func (l *argvLexer) feed(r rune) {
	if l.escaped {
		l.word.WriteRune(r)
		l.escaped = false
		return
	}
	if r == '\\' && l.quote != '\'' {
		l.escaped, l.inWord = true, true
		return
	}
	if l.quote != 0 {
		if r == l.quote {
			l.quote = 0
		} else {
			l.word.WriteRune(r)
		}
		return
	}

	switch {
	case r == '"' || r == '\'':
		l.quote, l.inWord = r, true
	case unicode.IsSpace(r):
		l.endWord()
	default:
		l.word.WriteRune(r)
		l.inWord = true
	}
}

func (l *argvLexer) endWord() {
	if !l.inWord {
		return
	}
	l.argv = append(l.argv, l.word.String())
	l.word.Reset()
	l.inWord = false
}

// parseArgv turns a configured command string into argv. A leading "#"
// comments the command out and yields no argv.
func parseArgv(input string) ([]string, error) {
	input = strings.TrimSpace(input)
	if input == "" || strings.HasPrefix(input, "#") {
		return nil, nil
	}

	var l argvLexer
	for _, r := range input {
		l.feed(r)
	}
	switch {
	case l.escaped:
		return nil, fmt.Errorf("%w in command: %q", errUnterminatedEscape, input)
	case l.quote != 0:
		return nil, fmt.Errorf("%w in command: %q", errUnterminatedQuote, input)
	}
	l.endWord()
	return l.argv, nil
}
