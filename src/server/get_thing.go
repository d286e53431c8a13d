package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"thingstore/src/store"
)

func (s *Server) GetThingByFullname(w http.ResponseWriter, r *http.Request) {
	fullname := r.PathValue("fullname")
	if fullname == "" {
		http.Error(w, "Fullname is required", http.StatusBadRequest)
		return
	}

	items, err := s.store.ByFullname(r.Context(), []string{fullname}, store.LoadOpts{Data: true})
	if err != nil {
		if errors.Is(err, store.ErrInvalidIdentity) {
			http.Error(w, "Invalid fullname format", http.StatusBadRequest)
			return
		}
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "Thing not found", http.StatusNotFound)
			return
		}

		s.logger.Error("Failed to look up thing", "fullname", fullname, "error", err)

		http.Error(w, "Service unavailable", http.StatusInternalServerError)
		return
	}

	dto := MapItemToResponse(items[0])

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(dto); err != nil {
		log.Printf("ERROR: Failed to write JSON response: %v", err)
	}
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
