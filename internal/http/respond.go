package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/example/rideshare-core/internal/apperr"
)

const maxBodyBytes = 1 << 20

type errorDetail struct {
	Kind    string `json:"kind"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// writeError renders classified errors with their code. Anything else is
// logged and reported as an opaque internal error.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ae *apperr.Error
	if !errors.As(err, &ae) || ae.Kind == apperr.KindInternal {
		s.logger.Error("request failed",
			zap.String("route", routeTemplate(r)),
			zap.String("request_id", requestIDFromContext(r.Context())),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: errorDetail{
			Kind:    string(apperr.KindInternal),
			Code:    "internal",
			Message: "internal error",
		}})
		return
	}
	if ae.Kind == apperr.KindUpstream {
		s.logger.Warn("upstream failure", zap.String("code", ae.Code), zap.Error(err))
	}
	writeJSON(w, apperr.HTTPStatus(err), errorBody{Error: errorDetail{
		Kind:    string(ae.Kind),
		Code:    ae.Code,
		Message: ae.Message,
	}})
}

// decode reads a JSON body into v and runs struct validation on it.
func (s *Server) decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Validation("body_required", "request body is required")
		}
		return apperr.Validation("invalid_json", "malformed request body: %v", err)
	}
	if err := s.validate.Struct(v); err != nil {
		return apperr.Validation("invalid_request", "%v", err)
	}
	return nil
}
