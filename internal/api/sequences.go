package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/helionlab/shotline/internal/scheduler"
	"github.com/helionlab/shotline/internal/sequence"
)

// createSequenceRequest is the request body for POST /sequences.
type createSequenceRequest struct {
	Name     string              `json:"name"`
	Duration string              `json:"duration"`
	Lanes    []sequence.TimeLane `json:"lanes"`
	Steps    []sequence.Step     `json:"steps"`
}

// handleCreateSequence registers a new sequence.
//
// Static validation runs before the insert, so a malformed sequence never
// reaches the database. The sequence is stored in Draft state.
func (s *Server) handleCreateSequence(w http.ResponseWriter, r *http.Request) {
	var req createSequenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	seq := &sequence.Sequence{
		ID:        sequence.GenerateID(),
		Name:      req.Name,
		Duration:  req.Duration,
		Lanes:     req.Lanes,
		Steps:     req.Steps,
		State:     sequence.StateDraft,
		CreatedAt: time.Now().UTC(),
	}

	if err := sequence.Validate(seq, s.validator, s.reserved); err != nil {
		writeUnprocessable(w, err.Error())
		return
	}

	if err := s.sequences.Create(r.Context(), seq); err != nil {
		s.logger.Error("creating sequence failed", "error", err)
		writeInternalError(w, "failed to store sequence")
		return
	}

	s.logger.Info("sequence registered", "sequence_id", seq.ID, "name", seq.Name)
	writeJSON(w, http.StatusCreated, seq)
}

// handleListSequences returns all registered sequences, newest first.
func (s *Server) handleListSequences(w http.ResponseWriter, r *http.Request) {
	sequences, err := s.sequences.List(r.Context())
	if err != nil {
		s.logger.Error("listing sequences failed", "error", err)
		writeInternalError(w, "failed to list sequences")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sequences": sequences,
		"count":     len(sequences),
	})
}

// handleGetSequence returns one sequence by ID.
func (s *Server) handleGetSequence(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	seq, err := s.sequences.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, sequence.ErrNotFound) {
			writeNotFound(w, "sequence not found")
			return
		}
		s.logger.Error("loading sequence failed", "sequence_id", id, "error", err)
		writeInternalError(w, "failed to load sequence")
		return
	}

	writeJSON(w, http.StatusOK, seq)
}

// handleListShots returns the recorded shots of one sequence in index order.
func (s *Server) handleListShots(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.sequences.GetByID(r.Context(), id); err != nil {
		if errors.Is(err, sequence.ErrNotFound) {
			writeNotFound(w, "sequence not found")
			return
		}
		s.logger.Error("loading sequence failed", "sequence_id", id, "error", err)
		writeInternalError(w, "failed to load sequence")
		return
	}

	shots, err := s.sequences.ListShots(r.Context(), id)
	if err != nil {
		s.logger.Error("listing shots failed", "sequence_id", id, "error", err)
		writeInternalError(w, "failed to list shots")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"shots": shots,
		"count": len(shots),
	})
}

// handleDeleteSequence removes a sequence and its shots.
//
// The scheduler is the authority on activity: deleting the sequence that
// currently holds the apparatus is rejected.
func (s *Server) handleDeleteSequence(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	snap := s.scheduler.Snapshot()
	if snap.SequenceID == id && sequence.State(snap.State).IsActive() {
		writeConflict(w, "sequence is currently executing")
		return
	}

	if err := s.sequences.Delete(r.Context(), id); err != nil {
		if errors.Is(err, sequence.ErrNotFound) {
			writeNotFound(w, "sequence not found")
			return
		}
		s.logger.Error("deleting sequence failed", "sequence_id", id, "error", err)
		writeInternalError(w, "failed to delete sequence")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

// handleStartSequence hands a sequence to the scheduler.
//
// Responses:
//   - 202: admission succeeded, execution is running
//   - 404: unknown sequence
//   - 409: another sequence holds the apparatus
//   - 422: validation, counting or first-shot compilation failed
func (s *Server) handleStartSequence(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := s.scheduler.Start(r.Context(), id)
	if err == nil {
		writeJSON(w, http.StatusAccepted, s.scheduler.Snapshot())
		return
	}

	var already *scheduler.AlreadyRunningError
	switch {
	case errors.As(err, &already):
		writeConflict(w, err.Error())
	case errors.Is(err, sequence.ErrNotFound):
		writeNotFound(w, "sequence not found")
	case errors.Is(err, scheduler.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, ErrCodeInternal, "engine is shutting down")
	default:
		// Admission failure: the sequence is recorded as crashed with the
		// cause, and the caller gets the detail.
		writeUnprocessable(w, err.Error())
	}
}
