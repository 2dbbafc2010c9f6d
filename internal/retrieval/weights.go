package retrieval

import (
	"math"
	"strings"
	"time"
	"unicode"

	"github.com/MrWong99/semem/pkg/types"
)

// Weights are the merge coefficients:
//
//	w = Personal·signal + Authority·authority + Recency·recency + ZPT·zptMatch
//
// where signal is the tilt-selected relevance score.
type Weights struct {
	Personal  float64 `yaml:"personal" json:"personal"`
	Authority float64 `yaml:"authority" json:"authority"`
	Recency   float64 `yaml:"recency" json:"recency"`
	ZPT       float64 `yaml:"zpt" json:"zpt"`
}

func (w Weights) isZero() bool { return w == Weights{} }

// WeightTable holds one Weights row per query class. Zero-valued rows
// fall back to the defaults.
type WeightTable struct {
	// Factual: opens with who/when/where and carries no first-person
	// markers. External authority dominates.
	Factual Weights `yaml:"factual" json:"factual"`

	// FirstPerson: the question is about the asker. Personal memory
	// dominates.
	FirstPerson Weights `yaml:"first_person" json:"firstPerson"`

	// EntityTemporal: names a proper noun together with a temporal term.
	EntityTemporal Weights `yaml:"entity_temporal" json:"entityTemporal"`

	// Default covers everything else.
	Default Weights `yaml:"default" json:"default"`
}

func (t WeightTable) withDefaults() WeightTable {
	if t.Factual.isZero() {
		t.Factual = Weights{Personal: 0.2, Authority: 0.5, Recency: 0.1, ZPT: 0.2}
	}
	if t.FirstPerson.isZero() {
		t.FirstPerson = Weights{Personal: 0.6, Authority: 0.1, Recency: 0.15, ZPT: 0.15}
	}
	if t.EntityTemporal.isZero() {
		t.EntityTemporal = Weights{Personal: 0.3, Authority: 0.35, Recency: 0.2, ZPT: 0.15}
	}
	if t.Default.isZero() {
		t.Default = Weights{Personal: 0.4, Authority: 0.25, Recency: 0.15, ZPT: 0.2}
	}
	return t
}

// forQuestion picks the weight row for the question's class.
func (t WeightTable) forQuestion(question string) Weights {
	switch classify(question) {
	case classFactual:
		return t.Factual
	case classFirstPerson:
		return t.FirstPerson
	case classEntityTemporal:
		return t.EntityTemporal
	default:
		return t.Default
	}
}

type queryClass int

const (
	classDefault queryClass = iota
	classFactual
	classFirstPerson
	classEntityTemporal
)

// firstPersonMarkers match after lowercasing with surrounding
// punctuation trimmed but inner apostrophes kept, so "I'd" matches
// without swallowing the word "id".
var firstPersonMarkers = map[string]struct{}{
	"i": {}, "me": {}, "my": {}, "mine": {}, "myself": {},
	"we": {}, "us": {}, "our": {}, "ours": {},
	"i'm": {}, "i've": {}, "i'd": {}, "i'll": {},
}

var temporalTerms = map[string]struct{}{
	"today": {}, "yesterday": {}, "tomorrow": {}, "tonight": {},
	"now": {}, "currently": {}, "current": {}, "latest": {}, "recent": {},
	"recently": {}, "ago": {}, "last": {}, "next": {},
	"year": {}, "years": {}, "month": {}, "months": {},
	"week": {}, "weeks": {}, "day": {}, "days": {}, "date": {},
}

// classify buckets a question by its surface signals. Precedence
// follows the weight table: a factual opener loses to first-person
// markers, which lose to nothing.
func classify(question string) queryClass {
	raw := strings.Fields(question)
	if len(raw) == 0 {
		return classDefault
	}

	tokens := make([]string, len(raw))
	firstPerson := false
	for i, tok := range raw {
		tokens[i] = cleanToken(tok)
		if _, ok := firstPersonMarkers[tokens[i]]; ok {
			firstPerson = true
		}
	}

	switch tokens[0] {
	case "who", "when", "where":
		if !firstPerson {
			return classFactual
		}
	}
	if firstPerson {
		return classFirstPerson
	}
	if hasProperNoun(raw, tokens) && hasTemporalTerm(tokens) {
		return classEntityTemporal
	}
	return classDefault
}

// cleanToken lowercases and trims surrounding punctuation, normalizing
// typographic apostrophes so contractions keep their shape.
func cleanToken(tok string) string {
	tok = strings.ReplaceAll(tok, "’", "'")
	tok = strings.TrimFunc(tok, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r) && r != '\''
	})
	return strings.ToLower(tok)
}

// hasProperNoun reports a capitalized token past the sentence-initial
// position. First-person "I" forms do not count.
func hasProperNoun(raw, cleaned []string) bool {
	for i := 1; i < len(raw); i++ {
		if _, ok := firstPersonMarkers[cleaned[i]]; ok {
			continue
		}
		trimmed := strings.TrimFunc(raw[i], func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsNumber(r)
		})
		if trimmed == "" {
			continue
		}
		if unicode.IsUpper([]rune(trimmed)[0]) {
			return true
		}
	}
	return false
}

func hasTemporalTerm(tokens []string) bool {
	for _, t := range tokens {
		if _, ok := temporalTerms[t]; ok {
			return true
		}
		if isYear(t) {
			return true
		}
	}
	return false
}

// isYear matches four-digit years in the 1000-2999 range.
func isYear(t string) bool {
	if len(t) != 4 {
		return false
	}
	for _, r := range t {
		if r < '0' || r > '9' {
			return false
		}
	}
	return t[0] == '1' || t[0] == '2'
}

// queryTerms returns the unique lowercased content words of the
// question used by the keyword tilt. Short function words drop out.
func queryTerms(question string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, tok := range strings.Fields(question) {
		t := cleanToken(tok)
		if len(t) < 3 {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// keywordScore is a BM25-flavoured overlap without corpus statistics:
// each query term contributes tf/(tf+1) over the record's text and
// labels, normalized by the number of query terms. Stays in [0, 1].
func keywordScore(terms []string, it *types.Interaction) float64 {
	if len(terms) == 0 {
		return 0
	}
	var sb strings.Builder
	sb.WriteString(it.Prompt)
	sb.WriteByte('\n')
	sb.WriteString(it.Response)
	sb.WriteByte('\n')
	sb.WriteString(it.Metadata.Title)
	for _, tag := range it.Metadata.Tags {
		sb.WriteByte('\n')
		sb.WriteString(tag)
	}
	for _, c := range it.Concepts {
		sb.WriteByte('\n')
		sb.WriteString(c)
	}
	text := strings.ToLower(sb.String())

	var sum float64
	for _, t := range terms {
		tf := float64(strings.Count(text, t))
		sum += tf / (tf + 1)
	}
	return sum / float64(len(terms))
}

// recencyScore halves for every week of age.
func recencyScore(created, now time.Time) float64 {
	if created.IsZero() {
		return 0
	}
	age := now.Sub(created)
	if age <= 0 {
		return 1
	}
	return math.Exp2(-float64(age) / float64(7*24*time.Hour))
}

// authorityScore rates a source's external standing. Personal records
// carry none; structured knowledge outranks encyclopedic prose.
func authorityScore(source string) float64 {
	switch source {
	case "wikidata":
		return 1.0
	case "wikipedia":
		return 0.85
	case "personal", "":
		return 0
	default:
		return 0.7
	}
}

// signalScore is the tilt-selected relevance signal for one candidate.
func signalScore(c *candidate, tilt types.TiltStyle, terms []string, now time.Time) float64 {
	switch tilt {
	case types.TiltKeywords:
		return keywordScore(terms, c.it)
	case types.TiltGraph:
		return c.activation
	case types.TiltTemporal:
		return recencyScore(c.it.Metadata.Created, now)
	default:
		return c.cosine
	}
}
