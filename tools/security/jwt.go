// Package security issues and verifies the login-token credential.
package security

import (
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

const (
	claimUsername = "username"
	defaultTTL    = time.Hour
)

var ErrInvalidToken = errors.New("invalid login-token")

// Options controls signing and token lifetime.
type Options struct {
	Secret []byte        // HMAC secret, from env in production
	Alg    string        // HS256/HS384/HS512, HS256 by default
	TTL    time.Duration // token lifetime, 1h by default
}

func DefaultOptions(secret []byte) Options {
	return Options{Secret: secret, Alg: "HS256", TTL: defaultTTL}
}

// Generate signs a token whose username claim identifies the holder.
func Generate(opts Options, username string) (token string, expireAt time.Time, err error) {
	if len(opts.Secret) == 0 {
		return "", time.Time{}, errors.New("jwt secret is empty")
	}
	method, err := signingMethod(opts.Alg)
	if err != nil {
		return "", time.Time{}, err
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	now := time.Now()
	exp := now.Add(opts.TTL)

	claims := jwtlib.MapClaims{
		claimUsername: username,
		"iat":         now.Unix(),
		"nbf":         now.Unix(),
		"exp":         exp.Unix(),
	}
	signed, err := jwtlib.NewWithClaims(method, claims).SignedString(opts.Secret)
	if err != nil {
		return "", time.Time{}, errors.Wrap(err, "sign token")
	}
	return signed, exp, nil
}

// Verify checks signature and expiry and returns the username claim.
func Verify(opts Options, token string) (string, error) {
	method, err := signingMethod(opts.Alg)
	if err != nil {
		return "", err
	}
	parsed, err := jwtlib.Parse(token, func(t *jwtlib.Token) (interface{}, error) {
		return opts.Secret, nil
	}, jwtlib.WithValidMethods([]string{method.Alg()}), jwtlib.WithExpirationRequired())
	if err != nil {
		return "", errors.Wrap(ErrInvalidToken, err.Error())
	}
	if !parsed.Valid {
		return "", ErrInvalidToken
	}
	claims, ok := parsed.Claims.(jwtlib.MapClaims)
	if !ok {
		return "", errors.Wrap(ErrInvalidToken, "claims type mismatch")
	}
	username, _ := claims[claimUsername].(string)
	if strings.TrimSpace(username) == "" {
		return "", errors.Wrap(ErrInvalidToken, "username claim missing")
	}
	return username, nil
}

func signingMethod(alg string) (jwtlib.SigningMethod, error) {
	switch strings.ToUpper(strings.TrimSpace(alg)) {
	case "", "HS256":
		return jwtlib.SigningMethodHS256, nil
	case "HS384":
		return jwtlib.SigningMethodHS384, nil
	case "HS512":
		return jwtlib.SigningMethodHS512, nil
	default:
		return nil, errors.Errorf("unsupported alg: %s (use HS256/HS384/HS512)", alg)
	}
}

// Verifier binds Options to the credential check used at connection time.
type Verifier struct {
	opts Options
}

func NewVerifier(opts Options) *Verifier { return &Verifier{opts: opts} }

func (v *Verifier) Verify(credential string) (string, error) {
	return Verify(v.opts, credential)
}

// Issue is Generate with the verifier's options.
func (v *Verifier) Issue(username string) (string, time.Time, error) {
	return Generate(v.opts, username)
}

func (v *Verifier) TTL() time.Duration {
	if v.opts.TTL <= 0 {
		return defaultTTL
	}
	return v.opts.TTL
}
