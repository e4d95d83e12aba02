package web

import (
	"net/http"

	"github.com/goji/httpauth"
	"github.com/gorilla/securecookie"
	"github.com/gorilla/sessions"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	sessionName = "deepdetect"
	userKey     = "user"
)

type AuthMiddleware struct {
	store sessions.Store
	opts  httpauth.AuthOptions
	log   *zap.Logger
}

// Setup new middleware for authenticating requests against a single user with a bcrypt password hash.
func NewAuthMiddleware(user, passwordHash string, log *zap.Logger) *AuthMiddleware {
	hashKey := securecookie.GenerateRandomKey(32)
	blockKey := securecookie.GenerateRandomKey(32)
	store := sessions.NewCookieStore(hashKey, blockKey)
	store.Options.HttpOnly = true
	mw := &AuthMiddleware{store: store, log: log}
	mw.opts = httpauth.AuthOptions{
		Realm: "Restricted",
		AuthFunc: func(u, pass string, r *http.Request) bool {
			ok := u == user && bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(pass)) == nil
			log.Info("auth", zap.String("user", u), zap.Bool("ok", ok), zap.String("remote", r.RemoteAddr))
			return ok
		},
	}
	return mw
}

// If session cookie is not present then use basic auth to login and start a session.
func (mw *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if session, err := mw.store.Get(r, sessionName); err == nil {
			if _, ok := session.Values[userKey].(string); ok {
				next.ServeHTTP(w, r)
				return
			}
		}
		httpauth.BasicAuth(mw.opts)(mw.startSession(next)).ServeHTTP(w, r)
	})
}

func (mw *AuthMiddleware) startSession(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session, _ := mw.store.New(r, sessionName)
		user, _, _ := r.BasicAuth()
		session.Values[userKey] = user
		if err := session.Save(r, w); err != nil {
			mw.log.Error("error saving session", zap.Error(err))
		}
		h.ServeHTTP(w, r)
	})
}

// HashPassword returns the bcrypt hash to store in the web_password_hash config setting.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(hash), err
}
