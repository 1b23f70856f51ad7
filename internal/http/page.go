package http

import (
	"bytes"
	"embed"
	"html/template"
	"net/http"

	"github.com/yuin/goldmark"

	"mirai-compass/pkg"
)

//go:embed templates/*.html
var templateFS embed.FS

func parseTemplates() (*template.Template, error) {
	funcs := template.FuncMap{
		"selected": func(selections []string, label string) bool {
			for _, s := range selections {
				if s == label {
					return true
				}
			}
			return false
		},
	}
	return template.New("").Funcs(funcs).ParseFS(templateFS, "templates/*.html")
}

// pageMessage is a transcript entry prepared for the template.  Diagnosis
// messages carry rendered markdown in HTML.
type pageMessage struct {
	pkg.Message
	HTML template.HTML
}

type pageData struct {
	Snapshot pkg.Snapshot
	Messages []pageMessage
	Finished bool
}

// routePage serves the conversation page and accepts its form posts.  Form
// posts redirect back to the page so a reload never resubmits.
func (s *Server) routePage(w http.ResponseWriter, r *http.Request, id, action string) {
	c, ok := s.lookup(id)
	if !ok {
		http.NotFound(w, r)
		return
	}
	if action == "" && r.Method == http.MethodGet {
		snap, err := c.Snapshot()
		if err != nil {
			http.Error(w, err.Error(), http.StatusGone)
			return
		}
		s.renderPage(w, snap)
		return
	}
	op := operations[action]
	if op == nil {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	req, err := readOperation(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if _, err := op(c, req); err != nil {
		http.Error(w, err.Error(), http.StatusGone)
		return
	}
	http.Redirect(w, r, pageURL(id), http.StatusSeeOther)
}

func (s *Server) renderLanding(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.templates.ExecuteTemplate(w, "index.html", nil); err != nil {
		s.log.Error().Err(err).Msg("failed to render landing page")
	}
}

func (s *Server) renderPage(w http.ResponseWriter, snap pkg.Snapshot) {
	data := pageData{
		Snapshot: snap,
		Messages: make([]pageMessage, 0, len(snap.Transcript)),
		Finished: snap.Phase == pkg.PhaseDone || snap.Phase == pkg.PhaseFailed,
	}
	for _, m := range snap.Transcript {
		pm := pageMessage{Message: m}
		if m.IsDiagnosis {
			pm.HTML = s.renderMarkdown(m.Text)
		}
		data.Messages = append(data.Messages, pm)
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.templates.ExecuteTemplate(w, "conversation.html", data); err != nil {
		s.log.Error().Err(err).Msg("failed to render conversation page")
	}
}

// renderMarkdown converts diagnosis markdown to HTML.  Raw HTML in the source
// is not passed through.
func (s *Server) renderMarkdown(md string) template.HTML {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		s.log.Error().Err(err).Msg("failed to convert markdown")
		return template.HTML(template.HTMLEscapeString(md))
	}
	return template.HTML(buf.String())
}
