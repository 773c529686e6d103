// Package fctest provides an in-process FeatureCloud API and controller
// daemon for tests.
package fctest

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const (
	StatusReady    = "ready"
	StatusPrepare  = "prepare"
	StatusRunning  = "running"
	StatusFinished = "finished"
)

// Project is the server-side view of a FeatureCloud project.
type Project struct {
	ID          int
	Name        string
	Status      string
	ToolID      int
	Coordinator string
	Members     []string
	Finalized   int
	Runs        []Run
	Uploads     []Upload

	preparePolls int
	runningPolls int
}

type Run struct {
	RunNr       int    `json:"runNr"`
	StartedOn   string `json:"startedOn"`
	LogSteps    []int  `json:"logSteps"`
	ResultSteps []int  `json:"resultSteps"`
}

type Upload struct {
	FileName string
	Finalize string
	Consent  string
	Origin   string
	Size     int
}

type token struct {
	projectID int
	used      bool
}

// Server fakes both the SaaS REST API and the controller daemon on a single
// listener; the two surfaces use disjoint paths.
type Server struct {
	*httptest.Server

	mu sync.Mutex

	prepareForPolls  int
	finishAfterPolls int
	finalStatus      string
	ignoreStatus     map[string]bool
	controllerDown   bool

	users    map[string]string
	sessions map[string]string
	projects map[int]*Project
	tokens   map[string]*token
	nextID   int
	calls    []string
}

// NewServer starts a fake accepting the given username/password pairs.
func NewServer(users map[string]string) *Server {
	s := &Server{
		finalStatus:  StatusFinished,
		ignoreStatus: map[string]bool{},
		users:        users,
		sessions:     map[string]string{},
		projects:     map[int]*Project{},
		tokens:       map[string]*token{},
		nextID:       17300,
	}
	s.Server = httptest.NewServer(s.handler())

	return s
}

func (s *Server) handler() http.Handler {
	mux := chi.NewRouter()
	mux.Use(s.record)

	mux.Route("/api", func(r chi.Router) {
		r.Post("/auth/login/", newServer(s.loginEndpoint(), decodeLogin))
		r.Post("/auth/token/refresh/", newServer(s.refreshEndpoint(), decodeRefresh))
		r.Get("/user/info/", newServer(s.userInfoEndpoint(), decodeAuthOnly))
		r.Get("/site/", newServer(s.siteEndpoint(), decodeAuthOnly))
		r.Post("/projects/", newServer(s.createProjectEndpoint(), decodeProjectWrite))
		r.Get("/projects/{id}/", newServer(s.getProjectEndpoint(), decodeProjectRead))
		r.Put("/projects/{id}/", newServer(s.updateProjectEndpoint(), decodeProjectWrite))
		r.Post("/project-tokens/{id}/", newServer(s.createTokenEndpoint(), decodeTokenCreate))
		r.Post("/project-tokens/", newServer(s.joinEndpoint(), decodeJoin))
	})

	mux.Get("/ping/", s.ping)
	mux.Post("/file-upload/", s.fileUpload)
	mux.Get("/project-runs/", s.projectRuns)
	mux.Get("/logs-download/", s.download("log"))
	mux.Get("/file-download/", s.download("zip"))

	return mux
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls = append(s.calls, r.Method+" "+r.URL.Path)
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

// FinishAfter moves a running project to final after polls status reads.
// Zero polls keeps it running forever.
func (s *Server) FinishAfter(polls int, final string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.finishAfterPolls = polls
	s.finalStatus = final
}

// PrepareFor keeps a project in prepare for polls status reads before it
// starts running. Zero polls leaves prepare projects alone.
func (s *Server) PrepareFor(polls int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.prepareForPolls = polls
}

// Ignore makes requests for status acknowledged but not applied.
func (s *Server) Ignore(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ignoreStatus[status] = true
}

// SetControllerDown makes /ping/ fail.
func (s *Server) SetControllerDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.controllerDown = down
}

// Calls returns every "METHOD /path" received so far.
func (s *Server) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.calls...)
}

// CountCalls returns how many received calls equal call.
func (s *Server) CountCalls(call string) int {
	n := 0
	for _, c := range s.Calls() {
		if c == call {
			n++
		}
	}

	return n
}

// AddProject seeds a project and returns its id.
func (s *Server) AddProject(coordinator, status string, members ...string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	p := &Project{
		ID:          s.nextID,
		Name:        "seeded",
		Status:      status,
		Coordinator: coordinator,
		Members:     append([]string{coordinator}, members...),
	}
	s.projects[p.ID] = p

	return p.ID
}

// Project returns a copy of the project with the given id.
func (s *Server) Project(id int) (Project, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projects[id]
	if !ok {
		return Project{}, false
	}

	cp := *p
	cp.Members = append([]string(nil), p.Members...)
	cp.Uploads = append([]Upload(nil), p.Uploads...)
	cp.Runs = append([]Run(nil), p.Runs...)

	return cp, true
}

// SetStatus overrides a project's status.
func (s *Server) SetStatus(id int, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.projects[id]; ok {
		p.Status = status
	}
}

// ProjectIDs returns all known project ids in ascending order.
func (s *Server) ProjectIDs() []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]int, 0, len(s.projects))
	for id := range s.projects {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	return ids
}

func (s *Server) startRun(p *Project) {
	p.Runs = append(p.Runs, Run{
		RunNr:       len(p.Runs) + 1,
		StartedOn:   time.Now().UTC().Format(time.RFC3339),
		LogSteps:    []int{0, 1},
		ResultSteps: []int{1},
	})
}

func (s *Server) newSession(user string) (string, string) {
	access := uuid.NewString()
	refresh := uuid.NewString()
	s.sessions[access] = user
	s.sessions["refresh:"+refresh] = user

	return access, refresh
}

func (s *Server) lookupProject(id string) (*Project, error) {
	n, err := strconv.Atoi(id)
	if err != nil {
		return nil, httpError{code: http.StatusBadRequest, msg: fmt.Sprintf("invalid project id %q", id)}
	}

	p, ok := s.projects[n]
	if !ok {
		return nil, httpError{code: http.StatusNotFound, msg: "project not found"}
	}

	return p, nil
}

func (s *Server) applyStatus(p *Project, status string) {
	if s.ignoreStatus[status] {
		return
	}

	p.Status = status
	if status == StatusPrepare {
		p.Finalized = 0
		p.Uploads = nil
	}
}
