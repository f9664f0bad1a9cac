package api

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/sessions"
	"golang.org/x/crypto/bcrypt"

	"sumlink/config"
	"sumlink/logging"
)

const (
	sessionName    = "sumlink_session"
	sessionUserKey = "username"
	sessionRoleKey = "role"
)

// sessionStore is the cookie session store for logged-in API users.
type sessionStore struct {
	store *sessions.CookieStore
}

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

// get ignores decode errors from stale cookies; the session is always usable.
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

// HashPassword generates a bcrypt hash of password for config.User.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// authenticate checks username and password against the configured users.
func (s *Server) authenticate(username, password string) (*config.User, bool) {
	s.cfg.Lock()
	user := s.cfg.FindUser(username)
	var u config.User
	if user != nil {
		u = *user
	}
	s.cfg.Unlock()

	if user == nil || !checkPassword(password, u.PasswordHash) {
		return nil, false
	}
	return &u, true
}

// lookupUser returns a copy of the configured user named username.
func (s *Server) lookupUser(username string) (*config.User, bool) {
	s.cfg.Lock()
	defer s.cfg.Unlock()
	user := s.cfg.FindUser(username)
	if user == nil {
		return nil, false
	}
	u := *user
	return &u, true
}

// requestUser identifies the caller from the session cookie or basic auth
// credentials. Session users are looked up again so removed or demoted
// users lose their rights immediately.
func (s *Server) requestUser(r *http.Request) (*config.User, bool) {
	if username, _, ok := s.sessions.getUser(r); ok {
		return s.lookupUser(username)
	}
	if username, password, ok := r.BasicAuth(); ok {
		return s.authenticate(username, password)
	}
	return nil, false
}

// canWrite reports whether the request comes from a configured admin.
func (s *Server) canWrite(r *http.Request) bool {
	user, ok := s.requestUser(r)
	return ok && user.Role == config.RoleAdmin
}

// writerOnly answers 401 to anonymous callers and 403 to users without the
// admin role.
func (s *Server) writerOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := s.requestUser(r)
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="sumlink"`)
			writeError(w, http.StatusUnauthorized, "login required")
			return
		}
		if user.Role != config.RoleAdmin {
			writeError(w, http.StatusForbidden, "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// handleLogin accepts a JSON body or a form post.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	} else {
		req.Username = r.FormValue("username")
		req.Password = r.FormValue("password")
	}

	user, ok := s.authenticate(req.Username, req.Password)
	if !ok {
		logging.DebugLog("API", "login failed for %q from %s", req.Username, r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}
	if err := s.sessions.setUser(w, r, user.Username, user.Role); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save session")
		return
	}
	writeJSON(w, map[string]string{"username": user.Username, "role": user.Role})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.sessions.clear(w, r)
	writeJSON(w, map[string]bool{"success": true})
}
