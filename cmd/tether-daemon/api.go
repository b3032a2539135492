// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/tether-foundation/tether/commitlog"
	"github.com/tether-foundation/tether/truststore"
)

// sessionAPI is the loopback HTTP surface the device's own UI drives.
// It binds to localhost only; remote devices go through the relay and
// the realtime channels, never through this API.
type sessionAPI struct {
	log    *commitlog.Log
	trust  *truststore.Store
	logger *slog.Logger
}

func (a *sessionAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/repositories", a.handleCreateRepository)
	mux.HandleFunc("DELETE /v1/repositories/{id}", a.handleDeleteRepository)
	mux.HandleFunc("GET /v1/repositories/{id}/sessions", a.handleListSessions)
	mux.HandleFunc("POST /v1/sessions", a.handleCreateSession)
	mux.HandleFunc("GET /v1/sessions/{id}", a.handleGetSession)
	mux.HandleFunc("POST /v1/sessions/{id}/title", a.handleSetTitle)
	mux.HandleFunc("POST /v1/sessions/{id}/status", a.handleSetStatus)
	mux.HandleFunc("POST /v1/sessions/{id}/close", a.handleCloseSession)
	mux.HandleFunc("DELETE /v1/sessions/{id}", a.handleDeleteSession)
	mux.HandleFunc("POST /v1/sessions/{id}/messages", a.handleAppendMessage)
	mux.HandleFunc("GET /v1/sessions/{id}/messages", a.handleListMessages)
}

func (a *sessionAPI) handleCreateRepository(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Path string `json:"path"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	repo, err := a.log.CreateRepository(r.Context(), body.Path)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, repo)
}

func (a *sessionAPI) handleDeleteRepository(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := a.log.DeleteRepository(r.Context(), id); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *sessionAPI) handleListSessions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	sessions, err := a.log.ListSessions(r.Context(), id)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (a *sessionAPI) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RepositoryID uuid.UUID `json:"repositoryId"`
		Title        string    `json:"title"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	session, err := a.log.CreateSession(r.Context(), body.RepositoryID, body.Title)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (a *sessionAPI) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	session, err := a.log.GetSession(r.Context(), id)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (a *sessionAPI) handleSetTitle(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var body struct {
		Title string `json:"title"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := a.log.UpdateSessionTitle(r.Context(), id, body.Title); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *sessionAPI) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var body struct {
		Status string `json:"status"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := a.log.SetAgentStatus(r.Context(), id, body.Status); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *sessionAPI) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := a.log.CloseSession(r.Context(), id); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *sessionAPI) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := a.log.DeleteSession(r.Context(), id); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *sessionAPI) handleAppendMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var body struct {
		Content []byte `json:"content"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	sender, hasIdentity := a.trust.Identity()
	if !hasIdentity {
		http.Error(w, "device has no identity", http.StatusConflict)
		return
	}
	message, err := a.log.AppendMessage(r.Context(), id, sender, body.Content)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, message)
}

func (a *sessionAPI) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	messages, err := a.log.ListMessages(r.Context(), id)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

// fail maps commit-log errors onto HTTP status codes.
func (a *sessionAPI) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, commitlog.ErrRepositoryNotFound),
		errors.Is(err, commitlog.ErrSessionNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, commitlog.ErrSessionClosed):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		a.logger.Error("session api failure", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "malformed id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, into any) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
