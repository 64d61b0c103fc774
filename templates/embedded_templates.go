package templates

import (
	"embed"
	"fmt"
	"html/template"
	"io/fs"
	"strings"
)

const (
	templatesDir      = "tmpl"
	templateExtension = ".html"
)

//go:embed tmpl
var embeddedFiles embed.FS

// NewTemplates parses the entries of templatesDir, keyed by their path below it.
// i.e. templates/tmpl/server/index.html ---> map["server/index.html" -> *template.Template].
func NewTemplates() (map[string]*template.Template, error) {
	templates := make(map[string]*template.Template)
	err := fs.WalkDir(embeddedFiles, templatesDir, func(path string, _ fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !strings.HasSuffix(path, templateExtension) {
			return nil
		}
		tmpl, err := template.ParseFS(embeddedFiles, path)
		if err != nil {
			return err
		}
		templates[strings.TrimPrefix(path, templatesDir+"/")] = tmpl
		return nil
	})
	if err != nil {
		return templates, fmt.Errorf("parsing template files: %w", err)
	}
	return templates, nil
}

// Lookup parses all templates and returns the one named name.
func Lookup(name string) (*template.Template, error) {
	tmpls, err := NewTemplates()
	if err != nil {
		return nil, err
	}
	tmpl, ok := tmpls[name]
	if !ok {
		return nil, fmt.Errorf("no template named %s", name)
	}
	return tmpl, nil
}
