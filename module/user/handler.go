// Package user serves account registration and login over plain HTTP. Login
// hands out the cookie the chat websocket authenticates with.
package user

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"chatcore/service/storage"
)

// Issuer signs login credentials.
type Issuer interface {
	Issue(username string) (string, time.Time, error)
	TTL() time.Duration
}

type Handler struct {
	store        storage.Store
	hasher       *PasswordHasher
	issuer       Issuer
	cookieName   string
	cookieSecure bool
	log          *zap.Logger
}

type Options struct {
	CookieName   string // "login-token" by default
	CookieSecure bool
	BcryptCost   int
}

func NewHandler(store storage.Store, issuer Issuer, opts Options, log *zap.Logger) *Handler {
	if opts.CookieName == "" {
		opts.CookieName = "login-token"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		store:        store,
		hasher:       NewPasswordHasher(opts.BcryptCost),
		issuer:       issuer,
		cookieName:   opts.CookieName,
		cookieSecure: opts.CookieSecure,
		log:          log,
	}
}

// Routes mounts POST /register and POST /auth/login.
func (h *Handler) Routes(r gin.IRoutes) {
	r.POST("/register", h.Register)
	r.POST("/auth/login", h.Login)
}

func (h *Handler) Register(c *gin.Context) {
	fields, msg := bindStrings(c, "username", "password", "fullname")
	if msg != "" {
		c.String(http.StatusBadRequest, msg)
		return
	}
	username, password, fullname := fields[0], fields[1], fields[2]
	ctx := c.Request.Context()

	_, err := h.store.UserByUsername(ctx, username)
	switch {
	case err == nil:
		c.String(http.StatusConflict, "username already exists")
		return
	case !errors.Is(err, storage.ErrNotFound):
		h.fail(c, "lookup user", err)
		return
	}

	hash, err := h.hasher.Hash(password)
	if err != nil {
		h.fail(c, "hash password", err)
		return
	}
	if _, err := h.store.CreateUser(context.WithoutCancel(ctx), username, fullname, hash); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			c.String(http.StatusConflict, "username already exists")
			return
		}
		h.fail(c, "create user", err)
		return
	}
	h.log.Info("user registered", zap.String("user", username))
	c.String(http.StatusCreated, "registered")
}

func (h *Handler) Login(c *gin.Context) {
	fields, msg := bindStrings(c, "username", "password")
	if msg != "" {
		c.String(http.StatusBadRequest, msg)
		return
	}
	username, password := fields[0], fields[1]
	ctx := c.Request.Context()

	hash, err := h.store.PasswordHash(ctx, username)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		h.fail(c, "load password", err)
		return
	}
	if err != nil || !h.hasher.Verify(hash, password) {
		c.String(http.StatusUnauthorized, "mismatch username and password")
		return
	}

	if h.hasher.NeedsRehash(hash) {
		if fresh, err := h.hasher.Hash(password); err == nil {
			if err := h.store.UpdatePasswordHash(context.WithoutCancel(ctx), username, fresh); err != nil {
				h.log.Warn("rehash password failed", zap.String("user", username), zap.Error(err))
			}
		}
	}

	token, _, err := h.issuer.Issue(username)
	if err != nil {
		h.fail(c, "issue token", err)
		return
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.cookieName, token, int(h.issuer.TTL().Seconds()), "/", "", h.cookieSecure, true)
	c.String(http.StatusAccepted, "login successful")
}

func (h *Handler) fail(c *gin.Context, what string, err error) {
	h.log.Error(what+" failed", zap.String("path", c.FullPath()), zap.Error(err))
	c.String(http.StatusInternalServerError, "something went wrong")
}

// bindStrings returns the named string fields, or the 400 message.
func bindStrings(c *gin.Context, names ...string) ([]string, string) {
	var payload map[string]any
	if err := c.ShouldBindJSON(&payload); err != nil || payload == nil {
		return nil, "not a valid json"
	}
	for _, name := range names {
		if _, ok := payload[name]; !ok {
			return nil, name + " required"
		}
	}
	out := make([]string, len(names))
	for i, name := range names {
		s, ok := payload[name].(string)
		if !ok {
			return nil, fmt.Sprintf("%s should be a string", name)
		}
		out[i] = s
	}
	for i, name := range names {
		if out[i] == "" {
			return nil, name + " should not be empty"
		}
	}
	return out, ""
}
