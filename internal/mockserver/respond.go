package mockserver

import (
	"errors"
	"net/http"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// httpError is rendered as a FastAPI-style {"detail": ...} body.
type httpError struct {
	status int
	detail string
}

func (e *httpError) Error() string { return e.detail }

func errStatus(status int, detail string) error { return &httpError{status: status, detail: detail} }

func errConflict(detail string) error   { return errStatus(http.StatusBadRequest, detail) }
func errNotFound(detail string) error   { return errStatus(http.StatusNotFound, detail) }
func errBadRequest(detail string) error { return errStatus(http.StatusBadRequest, detail) }

// validationError mirrors the list form of detail used for request validation failures.
type validationError struct {
	field string
	msg   string
}

func (e *validationError) Error() string { return e.field + ": " + e.msg }

type handlerFunc func(http.ResponseWriter, *http.Request) error

func (s *Server) wrap(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := h(w, r)
		if err == nil {
			return
		}
		var he *httpError
		var ve *validationError
		switch {
		case errors.As(err, &he):
			s.respond(w, he.status, map[string]string{"detail": he.detail})
		case errors.As(err, &ve):
			s.respond(w, http.StatusUnprocessableEntity, map[string]any{
				"detail": []map[string]any{{"loc": []string{"body", ve.field}, "msg": ve.msg, "type": "value_error"}},
			})
		default:
			s.log.Error("Handler failed", zap.String("path", r.URL.Path), zap.Error(err))
			s.respond(w, http.StatusInternalServerError, map[string]string{"detail": "Internal server error"})
		}
	}
}

func (s *Server) respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := jsonAPI.NewEncoder(w).Encode(body); err != nil {
		s.log.Warn("Failed to write response", zap.Error(err))
	}
}

func decodeJSON(r *http.Request, out any) error {
	if err := jsonAPI.NewDecoder(r.Body).Decode(out); err != nil {
		return errStatus(http.StatusUnprocessableEntity, "Invalid request body")
	}
	return nil
}
