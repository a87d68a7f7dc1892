package server

import "net/http"

type adminLoginRequest struct {
	User     string `json:"user"`
	Password string `json:"password"`
}

type adminLoginResponse struct {
	Token string `json:"token"`
}

// handleAdminLogin exchanges the bootstrap admin credential for a
// submitter JWT carrying the "admin" role (spec §6).
func (s *Server) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req adminLoginRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	if err := s.app.AdminAuth.Authenticate(req.User, req.Password); err != nil {
		WriteError(w, http.StatusUnauthorized, "invalid admin credentials")
		return
	}

	token, err := s.app.JWTValidator.Issue(req.User, []string{"admin"}, s.app.Config.Auth.AccessExpiry())
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}
	WriteJSON(w, http.StatusOK, adminLoginResponse{Token: token})
}
