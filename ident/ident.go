// Package ident quotes SQL identifiers using bracket delimiters.
//
// Escaping guards only against premature termination of the quoted name:
// a closing bracket inside the identifier is doubled, nothing else is
// rejected or transformed. Unescape is the exact left inverse of Escape.
package ident

import (
	"fmt"
	"strings"

	"github.com/streamql/streamql/errs"
)

// Escape wraps name in bracket delimiters, doubling any literal closing
// bracket so it cannot terminate the quoted identifier early.
//
//	Escape("simple") == "[simple]"
//	Escape("a]b")    == "[a]]b]"
func Escape(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// Unescape reverses Escape. The input must be a bracket-quoted identifier
// whose internal closing brackets are doubled; anything else fails with
// ErrKindMalformedIdentifier.
func Unescape(quoted string) (string, error) {
	if len(quoted) < 2 || quoted[0] != '[' || quoted[len(quoted)-1] != ']' {
		return "", malformed(quoted)
	}

	inner := quoted[1 : len(quoted)-1]
	var sb strings.Builder
	for i := 0; i < len(inner); i++ {
		c := inner[i]
		if c == ']' {
			// A closing bracket inside the body is only valid doubled.
			if i+1 >= len(inner) || inner[i+1] != ']' {
				return "", malformed(quoted)
			}
			i++
		}
		sb.WriteByte(c)
	}
	return sb.String(), nil
}

func malformed(quoted string) *errs.Error {
	return errs.New(errs.ErrKindMalformedIdentifier,
		fmt.Sprintf("%q is not a valid bracket-quoted identifier", quoted))
}
