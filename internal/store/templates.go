package store

import (
	"bytes"
	"embed"
	"fmt"
	"path/filepath"
	"text/template"

	"github.com/MrWong99/semem/pkg/rdf"
)

// Every query and update the store issues is rendered from one of these
// templates. User-supplied values only ever enter a query through the
// escaping funcs below; nothing is concatenated by hand.

//go:embed templates/*.rq
var embeddedTemplates embed.FS

// loadTemplates parses the embedded defaults and, if dir is non-empty,
// overrides same-named templates with *.rq files from that directory.
func loadTemplates(dir string) (*template.Template, error) {
	root := template.New("store").Funcs(template.FuncMap{
		// iri renders a complete IRI reference including angle brackets.
		"iri": func(s string) string {
			return "<" + rdf.EscapeIRI(s) + ">"
		},
		// lit renders a complete quoted plain literal.
		"lit": func(s string) string {
			return `"` + rdf.EscapeLiteral(s) + `"`
		},
		// term renders an object position term (IRI or typed literal).
		"term": renderTerm,
	})

	root, err := root.ParseFS(embeddedTemplates, "templates/*.rq")
	if err != nil {
		return nil, fmt.Errorf("store: parse embedded templates: %w", err)
	}

	if dir != "" {
		matches, err := filepath.Glob(filepath.Join(dir, "*.rq"))
		if err != nil {
			return nil, fmt.Errorf("store: scan template dir %q: %w", dir, err)
		}
		if len(matches) > 0 {
			root, err = root.ParseFiles(matches...)
			if err != nil {
				return nil, fmt.Errorf("store: parse templates in %q: %w", dir, err)
			}
		}
	}
	return root, nil
}

// object is an RDF object term ready for rendering. Exactly one of IRI
// and Literal is meaningful; Datatype only applies to literals.
type object struct {
	IRI      string
	Literal  string
	Datatype string
}

func iriObject(v string) object             { return object{IRI: v} }
func litObject(v string) object             { return object{Literal: v} }
func typedObject(v, datatype string) object { return object{Literal: v, Datatype: datatype} }

func renderTerm(o object) string {
	if o.IRI != "" {
		return "<" + rdf.EscapeIRI(o.IRI) + ">"
	}
	s := `"` + rdf.EscapeLiteral(o.Literal) + `"`
	if o.Datatype != "" {
		s += "^^<" + rdf.EscapeIRI(o.Datatype) + ">"
	}
	return s
}

// triple is one predicate/object pair of a subject being written.
type triple struct {
	Pred string
	Obj  object
}

// render executes the named template and returns the query text.
func (b *Buffered) render(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := b.templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("store: render %s: %w", name, err)
	}
	return buf.String(), nil
}

// Template parameter structs. Fields feed the escaping funcs, never raw
// string concatenation.

type graphData struct {
	Graph string
}

type subjectData struct {
	Graph   string
	Subject string
}

type insertData struct {
	Graph   string
	Subject string
	Triples []triple
}

type predicateData struct {
	Graph string
	Pred  string
	Limit int
}

type conceptsData struct {
	Graph    string
	Pred     string
	Concepts []string
	Limit    int
}

type stateData struct {
	Graph   string
	Subject string
	Pred    string
	State   object
}
