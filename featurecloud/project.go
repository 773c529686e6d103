package featurecloud

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/0x6flab/namegenerator"
	pkgerrors "github.com/absmach/fedsim/pkg/errors"
)

const roleCoordinator = "coordinator"

var namegen = namegenerator.NewGenerator()

// Project is a handle to a remote project. Its status is never cached.
type Project struct {
	ID   string
	Name string
	Tool string

	session *Session
}

// Token is a one-time credential that lets a participant join a project.
type Token struct {
	ID      flexID `json:"id"`
	Token   string `json:"token"`
	Project flexID `json:"project"`
}

type projectInfo struct {
	ID     flexID `json:"id"`
	Name   string `json:"name"`
	Status Status `json:"status"`
	Role   string `json:"role"`
}

// flexID accepts identifiers encoded as JSON numbers or strings.
type flexID string

func (id *flexID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}

	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*id = flexID(s)

		return nil
	}

	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = flexID(n.String())

	return nil
}

// CreateProject creates a project with a random name and binds a single
// workflow step running tool. Unknown tools are rejected before any call.
func CreateProject(ctx context.Context, s *Session, tool string) (*Project, error) {
	toolID, err := ToolID(tool)
	if err != nil {
		return nil, err
	}

	p := &Project{Name: namegen.Generate(), Tool: tool, session: s}

	var created projectInfo
	body := map[string]any{"name": p.Name, "description": "", "status": ""}
	if err := s.do(ctx, http.MethodPost, "/api/projects/", body, &created); err != nil {
		return nil, fmt.Errorf("creating project: %w", err)
	}
	if created.ID == "" {
		return nil, fmt.Errorf("%w: API returned no project id", pkgerrors.ErrProjectCreation)
	}
	p.ID = string(created.ID)

	if err := p.bindWorkflow(ctx, toolID); err != nil {
		return nil, fmt.Errorf("binding tool %s to project %s: %w", tool, p.ID, err)
	}

	s.logger.Info("created project",
		slog.String("project_id", p.ID),
		slog.String("name", p.Name),
		slog.String("tool", tool),
	)

	return p, nil
}

// AttachProject returns a handle to an existing project after checking that
// the session can read it.
func AttachProject(ctx context.Context, s *Session, id string) (*Project, error) {
	p := &Project{ID: id, session: s}

	info, err := p.info(ctx)
	if err != nil {
		return nil, fmt.Errorf("attaching to project %s: %w", id, err)
	}
	p.Name = info.Name

	s.logger.Info("using existing project", slog.String("project_id", id), slog.String("status", info.Status.String()))

	return p, nil
}

// JoinProject consumes token. When id is empty the project id echoed by the
// API is used; a mismatch between the two is an error.
func JoinProject(ctx context.Context, s *Session, token, id string) (*Project, error) {
	var resp struct {
		Project flexID `json:"project"`
	}
	body := map[string]string{"token": token, "cmd": "join"}
	if err := s.do(ctx, http.MethodPost, "/api/project-tokens/", body, &resp); err != nil {
		return nil, fmt.Errorf("joining project: %w", err)
	}

	joined := string(resp.Project)
	switch {
	case joined == "" && id == "":
		return nil, fmt.Errorf("%w: join response carries no project id", pkgerrors.ErrProjectCreation)
	case joined == "":
		joined = id
	case id != "" && joined != id:
		return nil, fmt.Errorf("%w: token belongs to project %s, expected %s", pkgerrors.ErrProjectCreation, joined, id)
	}

	s.logger.Info("joined project", slog.String("project_id", joined), slog.String("user", s.Username()))

	return &Project{ID: joined, session: s}, nil
}

// CreateTokens mints n participant tokens. Every call mints new tokens.
func (p *Project) CreateTokens(ctx context.Context, n int) ([]Token, error) {
	tokens := make([]Token, 0, n)
	for range n {
		var t Token
		if err := p.session.do(ctx, http.MethodPost, "/api/project-tokens/"+p.ID+"/", map[string]string{"cmd": "create"}, &t); err != nil {
			return tokens, fmt.Errorf("creating token for project %s: %w", p.ID, err)
		}
		tokens = append(tokens, t)
	}

	return tokens, nil
}

func (p *Project) Status(ctx context.Context) (Status, error) {
	info, err := p.info(ctx)
	if err != nil {
		return "", err
	}

	return info.Status, nil
}

// SetStatus requests a status change. Callers must query again to confirm it.
func (p *Project) SetStatus(ctx context.Context, status Status) error {
	body := map[string]string{"status": status.String()}
	if err := p.session.do(ctx, http.MethodPut, "/api/projects/"+p.ID+"/", body, nil); err != nil {
		return fmt.Errorf("setting project %s status to %s: %w", p.ID, status, err)
	}

	return nil
}

// IsCoordinator reports whether the session user coordinates the project.
func (p *Project) IsCoordinator(ctx context.Context) (bool, error) {
	info, err := p.info(ctx)
	if err != nil {
		return false, err
	}

	return info.Role == roleCoordinator, nil
}

func (p *Project) IsReady(ctx context.Context) (bool, error) {
	st, err := p.Status(ctx)

	return st == StatusReady, err
}

func (p *Project) IsPrepping(ctx context.Context) (bool, error) {
	st, err := p.Status(ctx)

	return st == StatusPrepare, err
}

// Reset moves the project back to ready and confirms the change.
func (p *Project) Reset(ctx context.Context) error {
	st, err := p.Status(ctx)
	if err != nil {
		return err
	}

	if st != StatusReady {
		if err := p.SetStatus(ctx, StatusReady); err != nil {
			return err
		}

		if st, err = p.Status(ctx); err != nil {
			return err
		}
	}

	if st != StatusReady {
		return fmt.Errorf("%w: project %s is %s", pkgerrors.ErrResetFailed, p.ID, st)
	}

	p.session.logger.Info("project reset", slog.String("project_id", p.ID))

	return nil
}

func (p *Project) bindWorkflow(ctx context.Context, toolID int) error {
	id := idValue(p.ID)
	payload := map[string]any{
		"id":          id,
		"name":        p.Name,
		"description": "",
		"status":      StatusReady,
		"workflow": []map[string]any{{
			"id":                        0,
			"projectId":                 id,
			"federatedApp":              map[string]int{"id": toolID},
			"order":                     0,
			"versionCertificationLevel": 1,
		}},
	}

	return p.session.do(ctx, http.MethodPut, "/api/projects/"+p.ID+"/", payload, nil)
}

func (p *Project) info(ctx context.Context) (projectInfo, error) {
	var info projectInfo
	if err := p.session.do(ctx, http.MethodGet, "/api/projects/"+p.ID+"/", nil, &info); err != nil {
		return projectInfo{}, fmt.Errorf("reading project %s: %w", p.ID, err)
	}

	return info, nil
}

func idValue(id string) any {
	if n, err := strconv.Atoi(id); err == nil {
		return n
	}

	return id
}
