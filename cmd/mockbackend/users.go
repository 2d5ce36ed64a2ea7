package main

import (
	"encoding/json"
	"net/http"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"

	"lessons/internal/client"
	"lessons/internal/domain"
)

type userDoc struct {
	ID       string `json:"_id"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	PhotoURL string `json:"photoURL"`
	Role     string `json:"role"`
	Premium  bool   `json:"isPremium"`
}

type statusResponse struct {
	IsPremium bool   `json:"isPremium"`
	Role      string `json:"role"`
	DBID      string `json:"dbId"`
}

// userStore keeps user documents keyed by lowercased email.
type userStore struct {
	mu      sync.Mutex
	users   map[string]*userDoc
	admins  []string
	premium []string
}

// newUserStore seeds a document for every listed admin and premium email.
func newUserStore(admins, premium []string) *userStore {
	s := &userStore{users: make(map[string]*userDoc), admins: admins, premium: premium}
	for _, email := range slices.Concat(admins, premium) {
		if _, ok := s.users[email]; !ok {
			s.users[email] = s.newDoc(client.UserRecord{Email: email})
		}
	}
	return s
}

// handleStatus answers a user's own status; admins may read anyone's.
func (s *userStore) handleStatus(w http.ResponseWriter, r *http.Request) {
	email := strings.ToLower(r.PathValue("email"))
	p, _ := principalOf(r)
	if !strings.EqualFold(p.Email, email) && !s.isAdmin(p.Email) {
		writeJSON(w, http.StatusForbidden, domain.ErrorResponse{Error: "forbidden", Message: "cannot read another user's status"})
		return
	}

	s.mu.Lock()
	u, ok := s.users[email]
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, domain.ErrorResponse{Error: "not_found", Message: "no such user"})
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{IsPremium: u.Premium, Role: u.Role, DBID: u.ID})
}

// handleUpsert creates the caller's user document, or returns the existing one.
func (s *userStore) handleUpsert(w http.ResponseWriter, r *http.Request) {
	var rec client.UserRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil || rec.Email == "" {
		writeJSON(w, http.StatusBadRequest, domain.ErrorResponse{Error: "bad_request", Message: "email is required"})
		return
	}
	p, _ := principalOf(r)
	if !strings.EqualFold(p.Email, rec.Email) {
		writeJSON(w, http.StatusForbidden, domain.ErrorResponse{Error: "forbidden", Message: "cannot create another user"})
		return
	}

	email := strings.ToLower(rec.Email)
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[email]; ok {
		writeJSON(w, http.StatusOK, u)
		return
	}
	u := s.newDoc(rec)
	s.users[email] = u
	writeJSON(w, http.StatusCreated, u)
}

func (s *userStore) newDoc(rec client.UserRecord) *userDoc {
	email := strings.ToLower(rec.Email)
	u := &userDoc{
		ID:       uuid.NewString(),
		Name:     rec.Name,
		Email:    email,
		PhotoURL: rec.PhotoURL,
		Role:     string(domain.RoleUser),
		Premium:  slices.Contains(s.premium, email),
	}
	if s.isAdmin(email) {
		u.Role = string(domain.RoleAdmin)
	}
	return u
}

func (s *userStore) isAdmin(email string) bool {
	return slices.Contains(s.admins, strings.ToLower(email))
}

func principalOf(r *http.Request) (domain.Principal, bool) {
	return client.PrincipalFromContext(r.Context())
}
