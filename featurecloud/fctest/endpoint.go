package fctest

import (
	"context"
	"net/http"
	"slices"

	"github.com/go-kit/kit/endpoint"
	"github.com/google/uuid"
)

func (s *Server) loginEndpoint() endpoint.Endpoint {
	return func(_ context.Context, request any) (any, error) {
		req := request.(loginReq)

		s.mu.Lock()
		defer s.mu.Unlock()

		if pass, ok := s.users[req.Username]; !ok || pass != req.Password {
			return nil, httpError{code: http.StatusUnauthorized, msg: "no active account found with the given credentials"}
		}

		access, refresh := s.newSession(req.Username)

		return map[string]string{"access": access, "refresh": refresh}, nil
	}
}

func (s *Server) refreshEndpoint() endpoint.Endpoint {
	return func(_ context.Context, request any) (any, error) {
		req := request.(refreshReq)

		s.mu.Lock()
		defer s.mu.Unlock()

		user, ok := s.sessions["refresh:"+req.Refresh]
		if !ok {
			return nil, httpError{code: http.StatusUnauthorized, msg: "token is invalid or expired"}
		}

		access := uuid.NewString()
		s.sessions[access] = user

		return map[string]string{"access": access}, nil
	}
}

func (s *Server) userInfoEndpoint() endpoint.Endpoint {
	return func(_ context.Context, request any) (any, error) {
		req := request.(authReq)

		s.mu.Lock()
		defer s.mu.Unlock()

		user, ok := s.sessions[req.bearer]
		if !ok {
			return nil, errUnauthorized
		}

		return map[string]any{"username": user, "email": user + "@example.com"}, nil
	}
}

func (s *Server) siteEndpoint() endpoint.Endpoint {
	return func(_ context.Context, request any) (any, error) {
		req := request.(authReq)

		s.mu.Lock()
		defer s.mu.Unlock()

		if _, ok := s.sessions[req.bearer]; !ok {
			return nil, errUnauthorized
		}

		return map[string]any{"name": "fctest", "maintenance": false}, nil
	}
}

func (s *Server) createProjectEndpoint() endpoint.Endpoint {
	return func(_ context.Context, request any) (any, error) {
		req := request.(projectWriteReq)

		s.mu.Lock()
		defer s.mu.Unlock()

		user, ok := s.sessions[req.bearer]
		if !ok {
			return nil, errUnauthorized
		}

		s.nextID++
		p := &Project{ID: s.nextID, Coordinator: user, Members: []string{user}, Status: "init"}
		if req.Name != nil {
			p.Name = *req.Name
		}
		s.projects[p.ID] = p

		return map[string]any{"id": p.ID, "name": p.Name, "status": p.Status}, nil
	}
}

func (s *Server) getProjectEndpoint() endpoint.Endpoint {
	return func(_ context.Context, request any) (any, error) {
		req := request.(projectReadReq)

		s.mu.Lock()
		defer s.mu.Unlock()

		user, ok := s.sessions[req.bearer]
		if !ok {
			return nil, errUnauthorized
		}

		p, err := s.lookupProject(req.id)
		if err != nil {
			return nil, err
		}

		if !slices.Contains(p.Members, user) {
			return nil, httpError{code: http.StatusForbidden, msg: "not a project member"}
		}

		if p.Status == StatusPrepare && s.prepareForPolls > 0 {
			p.preparePolls++
			if p.preparePolls > s.prepareForPolls {
				p.Status = StatusRunning
				p.runningPolls = 0
			}
		}

		if p.Status == StatusRunning && s.finishAfterPolls > 0 {
			p.runningPolls++
			if p.runningPolls > s.finishAfterPolls {
				p.Status = s.finalStatus
			}
		}

		role := "participant"
		if p.Coordinator == user {
			role = "coordinator"
		}

		return map[string]any{"id": p.ID, "name": p.Name, "status": p.Status, "role": role}, nil
	}
}

func (s *Server) updateProjectEndpoint() endpoint.Endpoint {
	return func(_ context.Context, request any) (any, error) {
		req := request.(projectWriteReq)

		s.mu.Lock()
		defer s.mu.Unlock()

		user, ok := s.sessions[req.bearer]
		if !ok {
			return nil, errUnauthorized
		}

		p, err := s.lookupProject(req.id)
		if err != nil {
			return nil, err
		}

		if !slices.Contains(p.Members, user) {
			return nil, httpError{code: http.StatusForbidden, msg: "not a project member"}
		}

		if len(req.Workflow) > 0 {
			if p.Coordinator != user {
				return nil, httpError{code: http.StatusForbidden, msg: "only the coordinator may edit the workflow"}
			}
			p.ToolID = req.Workflow[0].FederatedApp.ID
		}

		if req.Name != nil {
			p.Name = *req.Name
		}

		if req.Status != nil {
			s.applyStatus(p, *req.Status)
		}

		return map[string]any{"id": p.ID, "name": p.Name, "status": p.Status}, nil
	}
}

func (s *Server) createTokenEndpoint() endpoint.Endpoint {
	return func(_ context.Context, request any) (any, error) {
		req := request.(tokenReq)

		s.mu.Lock()
		defer s.mu.Unlock()

		user, ok := s.sessions[req.bearer]
		if !ok {
			return nil, errUnauthorized
		}

		p, err := s.lookupProject(req.id)
		if err != nil {
			return nil, err
		}

		if req.Cmd != "create" {
			return nil, httpError{code: http.StatusBadRequest, msg: "unsupported command"}
		}

		if p.Coordinator != user {
			return nil, httpError{code: http.StatusForbidden, msg: "only the coordinator may create tokens"}
		}

		tok := uuid.NewString()
		s.tokens[tok] = &token{projectID: p.ID}

		return map[string]any{"id": len(s.tokens), "token": tok, "project": p.ID}, nil
	}
}

func (s *Server) joinEndpoint() endpoint.Endpoint {
	return func(_ context.Context, request any) (any, error) {
		req := request.(tokenReq)

		s.mu.Lock()
		defer s.mu.Unlock()

		user, ok := s.sessions[req.bearer]
		if !ok {
			return nil, errUnauthorized
		}

		if req.Cmd != "join" {
			return nil, httpError{code: http.StatusBadRequest, msg: "unsupported command"}
		}

		tok, ok := s.tokens[req.Token]
		if !ok || tok.used {
			return nil, httpError{code: http.StatusForbidden, msg: "invalid or used token"}
		}
		tok.used = true

		p := s.projects[tok.projectID]
		if !slices.Contains(p.Members, user) {
			p.Members = append(p.Members, user)
		}

		return map[string]any{"project": p.ID, "token": req.Token}, nil
	}
}
