package api

import (
	"crypto/rand"
	"encoding/base64"
	"net/http"

	"github.com/gorilla/sessions"
	"golang.org/x/crypto/bcrypt"

	"optolink/config"
)

const (
	sessionName    = "optolink_session"
	sessionUserKey = "username"
	sessionRoleKey = "role"
)

type sessionStore struct {
	store *sessions.CookieStore
}

// newSessionStore creates a cookie store keyed by the base64 secret. A
// missing or short secret gets a random key, so sessions do not survive
// a restart.
func newSessionStore(secret string) *sessionStore {
	var key []byte
	if secret != "" {
		key, _ = base64.StdEncoding.DecodeString(secret)
	}
	if len(key) < 32 {
		key = make([]byte, 32)
		rand.Read(key)
	}

	store := sessions.NewCookieStore(key)
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   86400 * 7,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	return &sessionStore{store: store}
}

// get ignores decode errors from stale cookies; the returned session is
// always usable.
func (s *sessionStore) get(r *http.Request) *sessions.Session {
	session, _ := s.store.Get(r, sessionName)
	return session
}

func (s *sessionStore) getUser(r *http.Request) (username, role string, ok bool) {
	session := s.get(r)
	user, uok := session.Values[sessionUserKey].(string)
	role, rok := session.Values[sessionRoleKey].(string)
	if !uok || !rok || user == "" {
		return "", "", false
	}
	return user, role, true
}

func (s *sessionStore) setUser(w http.ResponseWriter, r *http.Request, username, role string) error {
	session := s.get(r)
	session.Values[sessionUserKey] = username
	session.Values[sessionRoleKey] = role
	return session.Save(r, w)
}

func (s *sessionStore) clear(w http.ResponseWriter, r *http.Request) error {
	session := s.get(r)
	delete(session.Values, sessionUserKey)
	delete(session.Values, sessionRoleKey)
	session.Options.MaxAge = -1
	return session.Save(r, w)
}

func checkPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// HashPassword returns the bcrypt hash stored in web.users[].password_hash.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func isAdmin(role string) bool {
	return role == config.RoleAdmin
}

// authEnabled reports whether any users are configured. With no users the
// API is open.
func (h *handlers) authEnabled() bool {
	cfg := h.backend.GetConfig()
	cfg.Lock()
	defer cfg.Unlock()
	return len(cfg.Web.Users) > 0
}

func (h *handlers) currentUser(r *http.Request) (*config.WebUser, bool) {
	username, _, ok := h.sessions.getUser(r)
	if !ok {
		return nil, false
	}
	cfg := h.backend.GetConfig()
	cfg.Lock()
	defer cfg.Unlock()
	u := cfg.FindWebUser(username)
	if u == nil {
		return nil, false
	}
	copied := *u
	return &copied, true
}

// authMiddleware rejects requests without a session for a configured user.
func (h *handlers) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.authEnabled() {
			next.ServeHTTP(w, r)
			return
		}
		if _, ok := h.currentUser(r); !ok {
			h.sessions.clear(w, r)
			h.writeError(w, http.StatusUnauthorized, "login required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// adminOnlyMiddleware rejects viewers. The user's current role in the
// config wins over the role stored in the cookie.
func (h *handlers) adminOnlyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.authEnabled() {
			next.ServeHTTP(w, r)
			return
		}
		u, ok := h.currentUser(r)
		if !ok || !isAdmin(u.Role) {
			h.writeError(w, http.StatusForbidden, "admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
