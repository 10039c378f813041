package handler

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"

	"github.com/pavelanni/vocabdash/internal/backend"
	"github.com/pavelanni/vocabdash/internal/handler/views"
	appI18n "github.com/pavelanni/vocabdash/internal/i18n"
	"github.com/pavelanni/vocabdash/internal/model"
)

const (
	csrfCookieName = "csrf_token"
	csrfHeader     = "X-CSRF-Token"
)

var validate = newValidator()

func generateCSRFToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

func (h *Handler) cookiePath() string {
	if h.config.BasePath != "" {
		return h.config.BasePath + "/"
	}
	return "/"
}

// csrfMiddleware issues a double-submit token on safe requests and checks it
// on everything else. The token lives as long as the cookie so polling
// fragments do not invalidate open forms.
func (h *Handler) csrfMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(csrfCookieName)
		hasCookie := err == nil && cookie.Value != ""

		if r.Method == http.MethodGet || r.Method == http.MethodHead {
			token := ""
			if hasCookie {
				token = cookie.Value
			} else {
				if token, err = generateCSRFToken(); err != nil {
					slog.Error("failed to generate CSRF token", "error", err)
					http.Error(w, "internal error", http.StatusInternalServerError)
					return
				}
				http.SetCookie(w, &http.Cookie{
					Name:     csrfCookieName,
					Value:    token,
					Path:     h.cookiePath(),
					HttpOnly: false,
					Secure:   h.config.SecureCookies,
					SameSite: http.SameSiteLaxMode,
				})
			}
			ctx := model.ContextWithCSRFToken(r.Context(), token)
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		if !hasCookie {
			slog.Warn("CSRF cookie missing", "path", r.URL.Path)
			http.Error(w, "csrf token missing", http.StatusForbidden)
			return
		}
		sent := r.Header.Get(csrfHeader)
		if sent == "" {
			sent = r.FormValue("csrf_token")
		}
		if sent == "" {
			slog.Warn("CSRF form token missing", "path", r.URL.Path)
			http.Error(w, "csrf token missing", http.StatusForbidden)
			return
		}
		if len(sent) != len(cookie.Value) || subtle.ConstantTimeCompare([]byte(sent), []byte(cookie.Value)) != 1 {
			slog.Warn("CSRF token mismatch", "path", r.URL.Path)
			http.Error(w, "invalid csrf token", http.StatusForbidden)
			return
		}
		ctx := model.ContextWithCSRFToken(r.Context(), cookie.Value)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireAuth resolves the signed-in user through the backend and opens the
// user's notification socket.
func (h *Handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookies := r.Cookies()
		if backend.BearerToken(cookies) == "" {
			h.redirectToLogin(w, r)
			return
		}

		user, fresh, err := h.backend.Me(r.Context(), cookies)
		if err != nil {
			h.pageError(w, r, err)
			return
		}
		h.setSessionCookies(w, fresh)
		cookies = backend.MergeCookies(cookies, fresh)
		h.hub.Acquire(*user, cookies)

		ctx := model.ContextWithUser(r.Context(), user)
		ctx = model.ContextWithCookies(ctx, cookies)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) redirectToLogin(w http.ResponseWriter, r *http.Request) {
	loginPath := h.path("/login")
	if r.Header.Get("HX-Request") == "true" {
		w.Header().Set("HX-Redirect", loginPath)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	http.Redirect(w, r, loginPath, http.StatusSeeOther)
}

// signOut forgets the session locally and sends the user to the login page.
func (h *Handler) signOut(w http.ResponseWriter, r *http.Request) {
	h.clearSessionCookies(w)
	if user := model.UserFromContext(r.Context()); user != nil {
		h.hub.Release(user.ID)
	}
	h.redirectToLogin(w, r)
}

// setSessionCookies passes backend-issued session cookies to the browser.
func (h *Handler) setSessionCookies(w http.ResponseWriter, cookies []*http.Cookie) {
	for _, ck := range cookies {
		out := *ck
		out.Path = h.cookiePath()
		out.Domain = ""
		out.HttpOnly = true
		out.Secure = h.config.SecureCookies
		if out.SameSite == http.SameSiteDefaultMode {
			out.SameSite = http.SameSiteLaxMode
		}
		http.SetCookie(w, &out)
	}
}

func (h *Handler) clearSessionCookies(w http.ResponseWriter) {
	for _, name := range backend.SessionCookies {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     h.cookiePath(),
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   h.config.SecureCookies,
		})
	}
}

func (h *Handler) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	render(w, r, http.StatusOK, views.LoginPage(h.config.BasePath, "", ""))
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	creds := backend.Credentials{
		Email:    r.FormValue("email"),
		Password: r.FormValue("password"),
	}
	if err := validate.Struct(creds); err != nil {
		h.renderLoginError(w, r, creds.Email, http.StatusBadRequest, appI18n.T(r.Context(), "LoginFailed"))
		return
	}

	cookies, err := h.backend.Login(r.Context(), creds)
	if err != nil {
		var apiErr *backend.APIError
		if errors.As(err, &apiErr) && apiErr.Status < 500 {
			h.renderLoginError(w, r, creds.Email, http.StatusUnauthorized, appI18n.T(r.Context(), "LoginFailed"))
			return
		}
		slog.Error("login failed", "error", err)
		h.renderLoginError(w, r, creds.Email, backend.StatusOf(err), backend.MessageOf(err))
		return
	}
	if backend.BearerToken(cookies) == "" {
		slog.Error("backend login returned no session cookie")
		h.renderLoginError(w, r, creds.Email, http.StatusBadGateway, appI18n.T(r.Context(), "ErrorTitle"))
		return
	}

	h.setSessionCookies(w, cookies)
	http.Redirect(w, r, h.path("/vocab-trainer"), http.StatusSeeOther)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := h.backend.Logout(r.Context(), model.CookiesFromContext(r.Context())); err != nil {
		slog.Warn("backend logout failed", "error", err)
	}
	h.clearSessionCookies(w)
	if user := model.UserFromContext(r.Context()); user != nil {
		h.hub.Release(user.ID)
	}
	http.Redirect(w, r, h.path("/login"), http.StatusSeeOther)
}

func (h *Handler) renderLoginError(w http.ResponseWriter, r *http.Request, email string, status int, msg string) {
	render(w, r, status, views.LoginPage(h.config.BasePath, email, msg))
}
