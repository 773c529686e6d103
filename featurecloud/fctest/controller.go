package fctest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
)

func (s *Server) ping(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	down := s.controllerDown
	s.mu.Unlock()

	if down {
		http.Error(w, "controller unavailable", http.StatusServiceUnavailable)

		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`"pong"`))
}

func (s *Server) fileUpload(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)

		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.lookupProject(q.Get("projectId"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)

		return
	}

	if p.Status != StatusPrepare {
		http.Error(w, fmt.Sprintf("project %d is %s, not %s", p.ID, p.Status, StatusPrepare), http.StatusConflict)

		return
	}

	p.Uploads = append(p.Uploads, Upload{
		FileName: q.Get("fileName"),
		Finalize: q.Get("finalize"),
		Consent:  q.Get("consent"),
		Origin:   r.Header.Get("Origin"),
		Size:     len(body),
	})

	if q.Get("finalize") == "true" {
		p.Finalized++
		if p.Finalized >= len(p.Members) {
			p.Status = StatusRunning
			p.runningPolls = 0
			s.startRun(p)
		}
		_, _ = w.Write([]byte("finalized"))

		return
	}

	_, _ = w.Write([]byte("received " + q.Get("fileName")))
}

func (s *Server) projectRuns(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	p, err := s.lookupProject(r.URL.Query().Get("projectId"))
	var runs []Run
	if err == nil {
		runs = append(runs, p.Runs...)
	}
	s.mu.Unlock()

	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)

		return
	}

	slices.Reverse(runs)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(runs)
}

func (s *Server) download(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		run, err := strconv.Atoi(q.Get("run"))
		if err != nil {
			http.Error(w, "invalid run", http.StatusBadRequest)

			return
		}

		step, err := strconv.Atoi(q.Get("step"))
		if err != nil {
			http.Error(w, "invalid step", http.StatusBadRequest)

			return
		}

		_, _ = fmt.Fprintf(w, "%s of project %s run %d step %d\n", kind, q.Get("projectId"), run, step)
	}
}
