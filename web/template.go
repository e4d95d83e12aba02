package web

import (
	"embed"
	"html/template"
	"net/http"

	"go.uber.org/zap"
)

//go:embed assets/*.html
var assets embed.FS

// Template and main menu definition
type Templates struct {
	*template.Template
	Menu []Link
	log  *zap.Logger
}

type Link struct {
	Url  string
	Name string
}

// Load and parse templates and initialise main menu
func NewTemplates(log *zap.Logger) (*Templates, error) {
	var err error
	t := &Templates{log: log}
	t.Template, err = template.ParseFS(assets, "assets/*.html")
	if err != nil {
		return nil, err
	}
	t.Menu = []Link{
		{Url: "/", Name: "monitor"},
		{Url: "/stats", Name: "stats"},
		{Url: "/plot/loss.svg", Name: "plot"},
		{Url: "/img/latest", Name: "latest image"},
	}
	return t, nil
}

// Exec executes the named template, logging and reporting any error.
func (t *Templates) Exec(w http.ResponseWriter, name string, data interface{}) {
	if err := t.ExecuteTemplate(w, name, data); err != nil {
		t.logError(w, err)
	}
}

func (t *Templates) logError(w http.ResponseWriter, err error) {
	t.log.Error("web handler error", zap.Error(err))
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
