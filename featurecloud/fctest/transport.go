package fctest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-kit/kit/endpoint"
	kithttp "github.com/go-kit/kit/transport/http"
)

type httpError struct {
	code int
	msg  string
}

func (e httpError) Error() string   { return e.msg }
func (e httpError) StatusCode() int { return e.code }

var errUnauthorized = httpError{code: http.StatusUnauthorized, msg: "authentication credentials were not provided"}

type loginReq struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshReq struct {
	Refresh string `json:"refresh"`
}

type authReq struct {
	bearer string
}

type federatedApp struct {
	ID int `json:"id"`
}

type workflowStep struct {
	ID                        int          `json:"id"`
	ProjectID                 any          `json:"projectId"`
	FederatedApp              federatedApp `json:"federatedApp"`
	Order                     int          `json:"order"`
	VersionCertificationLevel int          `json:"versionCertificationLevel"`
}

type projectWriteReq struct {
	bearer   string
	id       string
	Name     *string        `json:"name"`
	Status   *string        `json:"status"`
	Workflow []workflowStep `json:"workflow"`
}

type projectReadReq struct {
	bearer string
	id     string
}

type tokenReq struct {
	bearer string
	id     string
	Cmd    string `json:"cmd"`
	Token  string `json:"token"`
}

func newServer(e endpoint.Endpoint, dec kithttp.DecodeRequestFunc) http.HandlerFunc {
	return kithttp.NewServer(
		e,
		dec,
		encodeResponse,
		kithttp.ServerErrorEncoder(encodeError),
	).ServeHTTP
}

func bearer(r *http.Request) string {
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}

	if !strings.Contains(r.Header.Get("Content-Type"), "application/json") {
		return httpError{code: http.StatusUnsupportedMediaType, msg: "unsupported content type"}
	}

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return httpError{code: http.StatusBadRequest, msg: err.Error()}
	}

	return nil
}

func decodeLogin(_ context.Context, r *http.Request) (any, error) {
	var req loginReq
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}

	return req, nil
}

func decodeRefresh(_ context.Context, r *http.Request) (any, error) {
	var req refreshReq
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}

	return req, nil
}

func decodeAuthOnly(_ context.Context, r *http.Request) (any, error) {
	return authReq{bearer: bearer(r)}, nil
}

func decodeProjectWrite(_ context.Context, r *http.Request) (any, error) {
	req := projectWriteReq{bearer: bearer(r), id: chi.URLParam(r, "id")}
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}

	return req, nil
}

func decodeProjectRead(_ context.Context, r *http.Request) (any, error) {
	return projectReadReq{bearer: bearer(r), id: chi.URLParam(r, "id")}, nil
}

func decodeTokenCreate(_ context.Context, r *http.Request) (any, error) {
	req := tokenReq{bearer: bearer(r), id: chi.URLParam(r, "id")}
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}

	return req, nil
}

func decodeJoin(_ context.Context, r *http.Request) (any, error) {
	req := tokenReq{bearer: bearer(r)}
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}

	return req, nil
}

func encodeResponse(_ context.Context, w http.ResponseWriter, response any) error {
	w.Header().Set("Content-Type", "application/json")

	return json.NewEncoder(w).Encode(response)
}

func encodeError(_ context.Context, err error, w http.ResponseWriter) {
	code := http.StatusInternalServerError
	var he httpError
	if errors.As(err, &he) {
		code = he.code
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": err.Error()})
}
