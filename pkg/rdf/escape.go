package rdf

import (
	"fmt"
	"strings"
)

// literalEscaper handles the escapes required inside a double-quoted
// SPARQL string literal (SPARQL 1.1 grammar, ECHAR production).
var literalEscaper = strings.NewReplacer(
	`\`, `\\`,
	`"`, `\"`,
	"\n", `\n`,
	"\r", `\r`,
	"\t", `\t`,
	"\b", `\b`,
	"\f", `\f`,
)

// EscapeLiteral escapes s for embedding inside a double-quoted SPARQL
// string literal. The surrounding quotes are not added.
func EscapeLiteral(s string) string {
	return literalEscaper.Replace(s)
}

// EscapeIRI percent-encodes the characters that are forbidden inside a
// SPARQL IRIREF (<...>): control characters, space, and <>"{}|^` plus
// the backslash. Everything else passes through unchanged, so callers
// can escape full IRIs without double-encoding existing percent
// sequences.
func EscapeIRI(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c <= 0x20, c == '<', c == '>', c == '"', c == '{', c == '}', c == '|', c == '^', c == '`', c == '\\':
			fmt.Fprintf(&b, "%%%02X", c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
