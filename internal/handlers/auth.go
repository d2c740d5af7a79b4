package handlers

import (
	"net/http"

	"omniconvert/templates"
)

func (a *App) googleAuth(w http.ResponseWriter, r *http.Request) {
	if a.auth == nil || !a.auth.Configured() {
		http.Error(w, "Google Drive is not configured on this server.", http.StatusServiceUnavailable)
		return
	}
	u, err := a.auth.AuthCodeURL()
	if err != nil {
		a.logger.Error("failed to start google auth", "error", err)
		http.Error(w, "failed to start google sign-in", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, u, http.StatusFound)
}

// googleCallback completes the OAuth flow and tells the opener window
// and every connected client about the new state.
func (a *App) googleCallback(w http.ResponseWriter, r *http.Request) {
	if a.auth == nil {
		http.Error(w, "Google Drive is not configured on this server.", http.StatusServiceUnavailable)
		return
	}
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	if code == "" {
		http.Error(w, "Error: No code received", http.StatusBadRequest)
		return
	}

	if err := a.auth.Exchange(r.Context(), state, code); err != nil {
		a.logger.Error("google token exchange failed", "error", err)
		a.render(w, r, templates.AuthResultPage(false, ""))
		return
	}

	a.logger.Info("google account connected")
	a.broadcast(msgGoogleAuthStatus, authStatusPayload{IsLoggedIn: true})
	a.render(w, r, templates.AuthResultPage(true, state))
}
