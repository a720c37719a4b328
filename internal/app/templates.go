package app

import (
	"bytes"
	"embed"
	"encoding/xml"
	"fmt"
	"sort"
	"strings"
	"text/template"
)

//go:embed templates/*.xml
var templateFS embed.FS

var identifierTemplates map[string]*template.Template

func init() {
	funcMap := template.FuncMap{"xml": escapeXML}
	entries, err := templateFS.ReadDir("templates")
	if err != nil {
		panic(fmt.Sprintf("read identifier templates: %v", err))
	}
	identifierTemplates = make(map[string]*template.Template, len(entries))
	for _, entry := range entries {
		name := strings.TrimSuffix(entry.Name(), ".xml")
		raw, err := templateFS.ReadFile("templates/" + entry.Name())
		if err != nil {
			panic(fmt.Sprintf("read identifier template %s: %v", entry.Name(), err))
		}
		identifierTemplates[name] = template.Must(template.New(name).Funcs(funcMap).Parse(string(raw)))
	}
}

// TemplateData fills a new identifier document.
type TemplateData struct {
	ID    string
	Name  string
	Title string
}

// IdentifierTypes lists the types AddIdentifier can create, sorted.
func IdentifierTypes() []string {
	out := make([]string, 0, len(identifierTemplates))
	for name := range identifierTemplates {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func RenderTemplate(identifierType string, data TemplateData) (string, error) {
	tmpl, ok := identifierTemplates[identifierType]
	if !ok {
		return "", validationError("unknown identifier type %q (known: %s)", identifierType, strings.Join(IdentifierTypes(), ", "))
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s template: %w", identifierType, err)
	}
	return buf.String(), nil
}

// identifierName builds the human label shown for a new identifier, e.g.
// "hgv_meta: P.Oxy. 1 1".
func identifierName(identifierType, title string) string {
	return identifierType + ": " + title
}

func escapeXML(value string) string {
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(value))
	return buf.String()
}
