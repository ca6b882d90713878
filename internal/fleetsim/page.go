package fleetsim

import (
	"html/template"
	"net/http"

	"github.com/agentworkforce/fleetboard/internal/roster"
)

var boardPage = template.Must(template.New("board").Parse(`<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <title>{{.Fleet.Name}} waitlist</title>
  <style>
    body { font-family: "Segoe UI", sans-serif; margin: 20px; background: #f8f4ea; color: #102223; }
    .columns { display: grid; grid-template-columns: repeat(5, 1fr); gap: 12px; }
    .column { background: #fffdf9; border: 1px solid #d7cbb3; border-radius: 12px; padding: 10px; }
    .column h2 { margin: 0 0 8px; font-size: 1rem; text-transform: uppercase; }
    .entry { padding: 4px 0; border-top: 1px solid #eee4d0; font-size: 0.9rem; }
    .muted { color: #6f7d7d; }
  </style>
</head>
<body>
  <h1>{{.Fleet.Name}}</h1>
  {{with .Overview}}<p class="muted">{{.MemberCount}} in fleet</p>{{end}}
  <div class="columns">
  {{range .Columns}}
    <section class="column">
      <h2>{{.Category}} <span class="muted">({{len .Entries}})</span></h2>
      {{range .Entries}}<div class="entry">{{.Character.Name}} <span class="muted">{{.Ship.Name}}</span></div>{{end}}
    </section>
  {{end}}
  </div>
</body>
</html>
`))

type pageColumn struct {
	Category roster.Category
	Entries  []roster.Entry
}

func (s *Server) handleBoardPage(w http.ResponseWriter, r *http.Request, token, correlationID string) {
	if _, authErr := s.authorize(r, ""); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	s.mu.Lock()
	fs, ok := s.fleets[token]
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "not_found", "fleet not found", correlationID)
		return
	}
	data := struct {
		Fleet    roster.Fleet
		Overview *roster.Overview
		Columns  []pageColumn
	}{Fleet: fs.fleet, Overview: fs.overview}
	for _, cat := range roster.Categories {
		data.Columns = append(data.Columns, pageColumn{Category: cat, Entries: fs.columns.Column(cat)})
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := boardPage.Execute(w, data); err != nil {
		s.logf("fleetsim: render board page: %v", err)
	}
}
