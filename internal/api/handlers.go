package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"remindd/internal/engine"
	"remindd/internal/reminder"
	"remindd/internal/storage"
	"remindd/pkg/logx"
)

const ownerHeader = "X-Owner-ID"

type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.owner(w, r)
	if !ok {
		return
	}
	var rem reminder.Reminder
	if !s.decode(w, r, &rem) {
		return
	}
	rem.OwnerID = owner

	out, err := s.engine.Create(r.Context(), rem)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.owner(w, r)
	if !ok {
		return
	}
	out, err := s.engine.List(r.Context(), owner)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if out == nil {
		out = []reminder.Reminder{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	rem, ok := s.owned(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, rem)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	existing, ok := s.owned(w, r)
	if !ok {
		return
	}
	var patch reminder.Patch
	if !s.decode(w, r, &patch) {
		return
	}

	out, err := s.engine.Update(r.Context(), existing.ID, patch)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	rem, ok := s.owned(w, r)
	if !ok {
		return
	}
	if err := s.engine.Delete(r.Context(), rem.ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePutContact(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.owner(w, r)
	if !ok {
		return
	}
	var c storage.Contact
	if !s.decode(w, r, &c) {
		return
	}
	if err := s.store.PutContact(r.Context(), owner, c); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// owner extracts the caller identity; a missing header is a 400.
func (s *Server) owner(w http.ResponseWriter, r *http.Request) (string, bool) {
	owner := r.Header.Get(ownerHeader)
	if owner == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "missing " + ownerHeader + " header"})
		return "", false
	}
	return owner, true
}

// owned loads the path reminder and enforces that it belongs to the caller.
// A foreign id reads as 404, not 403, so ids can't be probed.
func (s *Server) owned(w http.ResponseWriter, r *http.Request) (reminder.Reminder, bool) {
	owner, ok := s.owner(w, r)
	if !ok {
		return reminder.Reminder{}, false
	}
	rem, err := s.engine.Get(r.Context(), r.PathValue("id"))
	if err != nil || rem.OwnerID != owner {
		if err != nil && !errors.Is(err, engine.ErrNotFound) {
			s.writeError(w, r, err)
			return reminder.Reminder{}, false
		}
		writeJSON(w, http.StatusNotFound, errorBody{Error: "reminder not found"})
		return reminder.Reminder{}, false
	}
	return rem, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *reminder.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: verr.Error()})
	case errors.Is(err, engine.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "reminder not found"})
	default:
		s.log.Error("request failed",
			logx.String("method", r.Method), logx.String("path", r.URL.Path), logx.Err(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
