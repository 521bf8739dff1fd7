package api

import (
	"errors"
	"net/http"

	"github.com/helionlab/shotline/internal/scheduler"
)

// handleStatus returns the scheduler's atomic snapshot.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.scheduler.Snapshot())
}

// handlePause requests suspension at the next shot boundary.
func (s *Server) handlePause(w http.ResponseWriter, _ *http.Request) {
	s.writeControlResult(w, s.scheduler.Pause())
}

// handleResume continues a paused sequence.
func (s *Server) handleResume(w http.ResponseWriter, _ *http.Request) {
	s.writeControlResult(w, s.scheduler.Resume())
}

// handleAbort stops the active sequence at the next shot boundary,
// preserving recorded shots.
func (s *Server) handleAbort(w http.ResponseWriter, _ *http.Request) {
	s.writeControlResult(w, s.scheduler.Abort())
}

// writeControlResult maps scheduler control errors to HTTP responses.
// Success returns the post-control snapshot so the client sees the effect
// without a second round trip.
func (s *Server) writeControlResult(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, s.scheduler.Snapshot())
	case errors.Is(err, scheduler.ErrNotRunning), errors.Is(err, scheduler.ErrNotPaused):
		writeConflict(w, err.Error())
	case errors.Is(err, scheduler.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, ErrCodeInternal, "engine is shutting down")
	default:
		s.logger.Error("control request failed", "error", err)
		writeInternalError(w, "control request failed")
	}
}
