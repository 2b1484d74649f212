package user

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"chatcore/service/storage"
	"chatcore/service/storage/sqlite"
	"chatcore/tools/security"
)

func newTestRouter(t *testing.T) (*gin.Engine, storage.Store, *security.Verifier) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	verifier := security.NewVerifier(security.Options{Secret: []byte("test-secret"), TTL: 30 * time.Minute})
	h := NewHandler(store, verifier, Options{BcryptCost: bcrypt.MinCost}, nil)
	r := gin.New()
	h.Routes(r)
	return r, store, verifier
}

func post(r http.Handler, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRegister(t *testing.T) {
	r, store, _ := newTestRouter(t)

	w := post(r, "/register", `{"username":"abc","password":"pw","fullname":"A B C"}`)
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "registered", w.Body.String())

	u, err := store.UserByUsername(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, "A B C", u.Fullname)
	hash, err := store.PasswordHash(context.Background(), "abc")
	require.NoError(t, err)
	assert.NotEqual(t, "pw", hash)

	w = post(r, "/register", `{"username":"abc","password":"pw2","fullname":"again"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "username already exists", w.Body.String())
}

func TestRegisterValidation(t *testing.T) {
	r, _, _ := newTestRouter(t)

	cases := []struct {
		body string
		want string
	}{
		{`not json`, "not a valid json"},
		{`{"password":"p","fullname":"f"}`, "username required"},
		{`{"username":"u","fullname":"f"}`, "password required"},
		{`{"username":"u","password":"p"}`, "fullname required"},
		{`{"username":1,"password":"p","fullname":"f"}`, "username should be a string"},
		{`{"username":"u","password":null,"fullname":"f"}`, "password should be a string"},
		{`{"username":"","password":"p","fullname":"f"}`, "username should not be empty"},
		{`{"username":"u","password":"p","fullname":""}`, "fullname should not be empty"},
	}
	for _, tc := range cases {
		t.Run(tc.want, func(t *testing.T) {
			w := post(r, "/register", tc.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, tc.want, w.Body.String())
		})
	}
}

func TestLogin(t *testing.T) {
	r, _, verifier := newTestRouter(t)
	require.Equal(t, http.StatusCreated, post(r, "/register", `{"username":"abc","password":"pw","fullname":"f"}`).Code)

	w := post(r, "/auth/login", `{"username":"abc","password":"pw"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "login successful", w.Body.String())

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	c := cookies[0]
	assert.Equal(t, "login-token", c.Name)
	assert.True(t, c.HttpOnly)
	assert.Equal(t, int((30 * time.Minute).Seconds()), c.MaxAge)

	username, err := verifier.Verify(c.Value)
	require.NoError(t, err)
	assert.Equal(t, "abc", username)
}

func TestLoginRejects(t *testing.T) {
	r, _, _ := newTestRouter(t)
	require.Equal(t, http.StatusCreated, post(r, "/register", `{"username":"abc","password":"pw","fullname":"f"}`).Code)

	for _, body := range []string{
		`{"username":"abc","password":"wrong"}`,
		`{"username":"ghost","password":"pw"}`,
	} {
		w := post(r, "/auth/login", body)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, "mismatch username and password", w.Body.String())
		assert.Empty(t, w.Result().Cookies())
	}

	w := post(r, "/auth/login", `{"username":"abc"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "password required", w.Body.String())
}

func TestLoginRehashesOnCostChange(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	defer store.Close()

	old := NewPasswordHasher(bcrypt.MinCost)
	hash, err := old.Hash("pw")
	require.NoError(t, err)
	_, err = store.CreateUser(context.Background(), "abc", "f", hash)
	require.NoError(t, err)

	verifier := security.NewVerifier(security.Options{Secret: []byte("s")})
	h := NewHandler(store, verifier, Options{BcryptCost: bcrypt.MinCost + 1}, nil)
	r := gin.New()
	h.Routes(r)

	require.Equal(t, http.StatusAccepted, post(r, "/auth/login", `{"username":"abc","password":"pw"}`).Code)

	fresh, err := store.PasswordHash(context.Background(), "abc")
	require.NoError(t, err)
	assert.NotEqual(t, hash, fresh)
	cost, err := bcrypt.Cost([]byte(fresh))
	require.NoError(t, err)
	assert.Equal(t, bcrypt.MinCost+1, cost)
}
