package sparql

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/MrWong99/semem/pkg/rdf"
)

// parseNTriples reads an N-Triples document: one triple per line,
// terminated by '.', with '#' comment lines. This covers the CONSTRUCT
// serialization of every SPARQL 1.1 store.
func parseNTriples(r io.Reader) ([]rdf.Triple, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)

	var triples []rdf.Triple
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		t, err := parseTripleLine(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		triples = append(triples, t)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	return triples, nil
}

// parseTripleLine parses "subject predicate object ." into a triple.
func parseTripleLine(line string) (rdf.Triple, error) {
	var t rdf.Triple
	rest := line

	var err error
	if t.Subject, rest, err = parseTerm(rest); err != nil {
		return rdf.Triple{}, fmt.Errorf("subject: %w", err)
	}
	if t.Predicate, rest, err = parseTerm(rest); err != nil {
		return rdf.Triple{}, fmt.Errorf("predicate: %w", err)
	}
	if t.Object, rest, err = parseTerm(rest); err != nil {
		return rdf.Triple{}, fmt.Errorf("object: %w", err)
	}

	rest = strings.TrimSpace(rest)
	if rest != "." {
		return rdf.Triple{}, fmt.Errorf("expected terminating '.', got %q", rest)
	}
	return t, nil
}

// parseTerm consumes one term from the front of s and returns it with
// the unconsumed remainder.
func parseTerm(s string) (rdf.Term, string, error) {
	s = strings.TrimLeft(s, " \t")
	if s == "" {
		return rdf.Term{}, "", fmt.Errorf("unexpected end of line")
	}

	switch s[0] {
	case '<':
		end := strings.IndexByte(s, '>')
		if end < 0 {
			return rdf.Term{}, "", fmt.Errorf("unterminated IRI")
		}
		return rdf.Term{Kind: rdf.TermIRI, Value: s[1:end]}, s[end+1:], nil

	case '_':
		if !strings.HasPrefix(s, "_:") {
			return rdf.Term{}, "", fmt.Errorf("malformed blank node")
		}
		end := strings.IndexAny(s, " \t")
		if end < 0 {
			end = len(s)
		}
		return rdf.Term{Kind: rdf.TermBlank, Value: s[2:end]}, s[end:], nil

	case '"':
		return parseLiteral(s)

	default:
		return rdf.Term{}, "", fmt.Errorf("unexpected character %q", s[0])
	}
}

// parseLiteral consumes a quoted literal with optional ^^<datatype> or
// @lang suffix.
func parseLiteral(s string) (rdf.Term, string, error) {
	end := -1
	for i := 1; i < len(s); i++ {
		if s[i] == '\\' {
			i++ // skip the escaped character
			continue
		}
		if s[i] == '"' {
			end = i
			break
		}
	}
	if end < 0 {
		return rdf.Term{}, "", fmt.Errorf("unterminated literal")
	}

	value, err := unescapeLiteral(s[1:end])
	if err != nil {
		return rdf.Term{}, "", err
	}
	term := rdf.Term{Kind: rdf.TermLiteral, Value: value}
	rest := s[end+1:]

	switch {
	case strings.HasPrefix(rest, "^^<"):
		dtEnd := strings.IndexByte(rest, '>')
		if dtEnd < 0 {
			return rdf.Term{}, "", fmt.Errorf("unterminated datatype IRI")
		}
		term.Datatype = rest[3:dtEnd]
		rest = rest[dtEnd+1:]
	case strings.HasPrefix(rest, "@"):
		langEnd := strings.IndexAny(rest, " \t")
		if langEnd < 0 {
			langEnd = len(rest)
		}
		term.Language = rest[1:langEnd]
		rest = rest[langEnd:]
	}
	return term, rest, nil
}

// unescapeLiteral resolves N-Triples ECHAR and UCHAR escape sequences.
func unescapeLiteral(s string) (string, error) {
	if !strings.ContainsRune(s, '\\') {
		return s, nil
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		i++
		if i >= len(s) {
			return "", fmt.Errorf("dangling escape")
		}
		switch s[i] {
		case 't':
			b.WriteByte('\t')
		case 'b':
			b.WriteByte('\b')
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 'f':
			b.WriteByte('\f')
		case '"':
			b.WriteByte('"')
		case '\'':
			b.WriteByte('\'')
		case '\\':
			b.WriteByte('\\')
		case 'u', 'U':
			width := 4
			if s[i] == 'U' {
				width = 8
			}
			if i+width >= len(s) {
				return "", fmt.Errorf("truncated \\%c escape", s[i])
			}
			hex := s[i+1 : i+1+width]
			code, err := strconv.ParseUint(hex, 16, 32)
			if err != nil {
				return "", fmt.Errorf("invalid \\%c escape %q", s[i], hex)
			}
			b.WriteRune(rune(code))
			i += width
		default:
			return "", fmt.Errorf("unknown escape \\%c", s[i])
		}
	}
	return b.String(), nil
}
