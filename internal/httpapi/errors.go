package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/park285/card-scorekeeper/internal/game"
	"github.com/park285/card-scorekeeper/internal/remote"
	"github.com/park285/card-scorekeeper/internal/scoring"
	"go.uber.org/zap"
)

func errorResponse(c *gin.Context, code int, message string) {
	c.JSON(code, gin.H{"error": message})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, scoring.ErrNoCurrentGame), errors.Is(err, scoring.ErrGameNotFound):
		return http.StatusNotFound
	case errors.Is(err, scoring.ErrGameEnded):
		return http.StatusConflict
	case errors.Is(err, scoring.ErrWriteInFlight):
		return http.StatusTooManyRequests
	case errors.Is(err, scoring.ErrNotSynced):
		return http.StatusPreconditionFailed
	case errors.Is(err, game.ErrScoreArity), errors.Is(err, game.ErrRoundIndex):
		return http.StatusBadRequest
	case errors.Is(err, remote.ErrRemoteUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleError(c *gin.Context, err error, message string) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.logger.Error("http_unhandled_error", zap.String("path", c.FullPath()), zap.Error(err))
		errorResponse(c, code, "unexpected error")
		return
	}
	if message == "" {
		message = err.Error()
	}
	errorResponse(c, code, message)
}
