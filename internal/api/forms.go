package api

import (
	"errors"
	"html/template"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zigroninc/loom/internal/model"
	"github.com/zigroninc/loom/internal/store"
)

var completionTemplate = template.Must(template.New("completion").Parse(`<!DOCTYPE html>
<html>
<head>
  <meta charset="utf-8">
  <title>{{.Title}}</title>
  <style>
    body { font-family: -apple-system, BlinkMacSystemFont, sans-serif; display: flex; align-items: center; justify-content: center; min-height: 100vh; margin: 0; background: #f5f5f5; }
    .card { background: #fff; border-radius: 8px; padding: 2.5rem 3rem; box-shadow: 0 1px 4px rgba(0,0,0,.12); text-align: center; max-width: 28rem; }
    h1 { font-size: 1.4rem; margin: 0 0 .75rem; }
    p { color: #555; margin: 0; }
    .status { display: inline-block; margin-top: 1.25rem; padding: .2rem .7rem; border-radius: 999px; font-size: .8rem; background: #eee; color: #333; }
  </style>
</head>
<body>
  <div class="card">
    <h1>{{.Title}}</h1>
    <p>{{.Message}}</p>
    <span class="status">{{.Status}}</span>
  </div>
</body>
</html>
`))

type completionPage struct {
	Title   string
	Message string
	Status  model.ExecutionStatus
}

func completionForStatus(status model.ExecutionStatus) completionPage {
	switch {
	case status == model.StatusSuccess:
		return completionPage{
			Title:   "Form submitted",
			Message: "Your submission has been received.",
			Status:  status,
		}
	case status.IsTerminal():
		return completionPage{
			Title:   "Something went wrong",
			Message: "The workflow behind this form did not complete. Contact the form owner.",
			Status:  status,
		}
	default:
		return completionPage{
			Title:   "Still processing",
			Message: "Your submission is being processed. You can close this page.",
			Status:  status,
		}
	}
}

// handleFormCompletion renders the page a form submitter lands on after
// their submission kicked off an execution.
func (s *Server) handleFormCompletion(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "executionID")

	code := http.StatusOK
	status := s.active.GetStatus(id)
	if status == model.StatusUnknown {
		exec, err := s.store.GetExecution(r.Context(), id)
		switch {
		case errors.Is(err, store.ErrNotFound):
			code = http.StatusNotFound
		case err != nil:
			s.logger.Error("get execution for form completion", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to load execution")
			return
		default:
			status = exec.Status
		}
	}

	page := completionForStatus(status)
	if code == http.StatusNotFound {
		page = completionPage{
			Title:   "Form session not found",
			Message: "This form session does not exist or has expired.",
			Status:  model.StatusUnknown,
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(code)
	if err := completionTemplate.Execute(w, page); err != nil {
		s.logger.Error("render completion page", "error", err)
	}
}
