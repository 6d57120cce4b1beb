package internal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// StatusScope is the scope a machine token needs to read harvest status.
const StatusScope = "datahub:r"

type CustomClaims struct {
	Scope string `json:"scope"`
	Gty   string `json:"gty"`
	Adm   bool   `json:"adm"`
	jwt.RegisteredClaims
}

// scopes accepts both comma and space separated scope claims.
func (claims CustomClaims) scopes() []string {
	return strings.FieldsFunc(claims.Scope, func(r rune) bool { return r == ',' || r == ' ' })
}

var (
	ErrJWTMissing = echo.NewHTTPError(http.StatusUnauthorized, "missing or malformed jwt")
	ErrJWTInvalid = echo.NewHTTPError(http.StatusUnauthorized, "invalid or expired jwt")
)

// TokenVerifier checks bearer tokens against the keys published at a jwks
// url. Keys are cached and refreshed in the background by the jwk cache.
type TokenVerifier struct {
	Skipper   middleware.Skipper
	wellknown string
	audience  string
	issuer    string
	cache     *jwk.Cache
	parser    *jwt.Parser
}

func NewTokenVerifier(ctx context.Context, wellknown, audience, issuer string) (*TokenVerifier, error) {
	cache := jwk.NewCache(ctx)
	if err := cache.Register(wellknown); err != nil {
		return nil, fmt.Errorf("%w: registering jwks %s: %v", ErrConfig, wellknown, err)
	}
	return &TokenVerifier{
		Skipper:   middleware.DefaultSkipper,
		wellknown: wellknown,
		audience:  audience,
		issuer:    issuer,
		cache:     cache,
		parser:    jwt.NewParser(jwt.WithValidMethods([]string{"RS256"})),
	}, nil
}

// DefaultJwtFilter guards the status routes with the token settings of cfg.
func DefaultJwtFilter(cfg *Config) (echo.MiddlewareFunc, error) {
	v, err := NewTokenVerifier(context.Background(), cfg.JwtWellKnown, cfg.TokenAudience, cfg.TokenIssuer)
	if err != nil {
		return nil, err
	}
	return v.Middleware(), nil
}

// Middleware stores the verified token as "user" in the echo context.
func (v *TokenVerifier) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if v.Skipper(c) {
				return next(c)
			}
			raw, ok := bearer(c.Request())
			if !ok {
				return ErrJWTMissing
			}
			token, err := v.Verify(c.Request().Context(), raw)
			if err != nil {
				LOG.Debug().Err(err).Str("path", c.Path()).Msg("Rejected token")
				return ErrJWTInvalid.WithInternal(err)
			}
			c.Set("user", token)
			return next(c)
		}
	}
}

// Verify parses raw and checks signature, expiry, audience and issuer.
func (v *TokenVerifier) Verify(ctx context.Context, raw string) (*jwt.Token, error) {
	token, err := v.parser.ParseWithClaims(raw, &CustomClaims{}, func(token *jwt.Token) (interface{}, error) {
		return v.key(ctx, token)
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("token not valid")
	}
	claims := token.Claims.(*CustomClaims)
	if !claims.VerifyAudience(v.audience, v.audience != "") {
		return nil, fmt.Errorf("audience %v not accepted", claims.Audience)
	}
	if !claims.VerifyIssuer(v.issuer, v.issuer != "") {
		return nil, fmt.Errorf("issuer %q not accepted", claims.Issuer)
	}
	return token, nil
}

func (v *TokenVerifier) key(ctx context.Context, token *jwt.Token) (interface{}, error) {
	set, err := v.cache.Get(ctx, v.wellknown)
	if err != nil {
		return nil, fmt.Errorf("loading jwks: %w", err)
	}
	kid, _ := token.Header["kid"].(string)
	k, ok := set.LookupKeyID(kid)
	if !ok {
		return nil, fmt.Errorf("kid %q not found in jwks", kid)
	}

	// x5c present: use the certificate, otherwise the raw key
	if chain := k.X509CertChain(); chain != nil {
		if der, ok := chain.Get(0); ok {
			pem := "-----BEGIN CERTIFICATE-----\n" + string(der) + "\n-----END CERTIFICATE-----"
			return jwt.ParseRSAPublicKeyFromPEM([]byte(pem))
		}
	}
	var pk any
	if err := k.Raw(&pk); err != nil {
		return nil, err
	}
	return pk, nil
}

func bearer(r *http.Request) (string, bool) {
	scheme, token, found := strings.Cut(r.Header.Get("Authorization"), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", false
	}
	return token, true
}
