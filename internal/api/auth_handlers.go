package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/chfs-io/chfs/internal/auth"
	"github.com/chfs-io/chfs/internal/config"
)

type registerRequest struct {
	Username        string `json:"username"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirmPassword"`
}

// handleRegister creates a dynamic user with the default full-access
// rule. No principal is required; the endpoint can be disabled via
// configuration.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	cfg := s.getter()
	if cfg == nil || !cfg.RegistrationEnabled() {
		WriteError(w, http.StatusForbidden, "registration is disabled")
		return
	}

	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	req.Username = strings.TrimSpace(req.Username)
	if len(req.Username) < 3 {
		WriteError(w, http.StatusBadRequest, "username must be at least 3 characters")
		return
	}
	if len(req.Password) < 6 {
		WriteError(w, http.StatusBadRequest, "password must be at least 6 characters")
		return
	}
	if req.Password != req.ConfirmPassword {
		WriteError(w, http.StatusBadRequest, "passwords do not match")
		return
	}

	passHash, err := auth.HashPassword(req.Password)
	if err != nil {
		s.logger.Error("Failed to hash password", "error", err)
		WriteError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	roots, err := s.manager.RegisterUser(req.Username, passHash)
	if err != nil {
		if errors.Is(err, config.ErrUserExists) {
			WriteError(w, http.StatusConflict, "username already exists")
			return
		}
		s.logger.Error("Failed to register user", "error", err)
		WriteError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	s.logger.Info("Registered user", "username", req.Username)
	WriteSuccess(w, map[string]any{
		"username": req.Username,
		"roots":    roots,
	})
}
