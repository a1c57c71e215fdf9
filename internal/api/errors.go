package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"localagent/internal/errs"
)

// errorBody is the JSON shape of every failed request.
type errorBody struct {
	Error                string `json:"error"`
	Kind                 string `json:"kind"`
	Field                string `json:"field,omitempty"`
	EstimatedWaitSeconds int64  `json:"estimated_wait_seconds,omitempty"`
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) (int, errorBody) {
	body := errorBody{Error: err.Error(), Kind: "internal"}
	var (
		verr *errs.ValidationError
		deny *errs.ResourceDeniedError
		conf *errs.ConflictError
	)
	switch {
	case errors.As(err, &verr):
		body.Kind, body.Field = "validation", verr.Field
		return http.StatusBadRequest, body
	case errors.Is(err, errs.ErrNotFound):
		body.Kind = "not_found"
		return http.StatusNotFound, body
	case errors.As(err, &deny):
		body.Kind = "resource_denied"
		body.EstimatedWaitSeconds = int64(deny.EstimatedWait / time.Second)
		return http.StatusConflict, body
	case errors.As(err, &conf):
		body.Kind = "conflict"
		return http.StatusConflict, body
	case errs.IsNetwork(err):
		body.Kind = "network"
		return http.StatusServiceUnavailable, body
	case errors.Is(err, context.DeadlineExceeded):
		body.Kind = "timeout"
		return http.StatusGatewayTimeout, body
	}
	return http.StatusInternalServerError, body
}

func (s *Server) fail(c *gin.Context, err error) {
	code, body := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.log.Sugar().Errorw("request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
	}
	c.AbortWithStatusJSON(code, body)
}

// badRequest reports a body or query that could not be decoded.
func (s *Server) badRequest(c *gin.Context, err error) {
	s.fail(c, errs.Invalid("request", "%v", err))
}
