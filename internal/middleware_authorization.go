package internal

import (
	"net/http"

	"github.com/golang-jwt/jwt/v4"
	"github.com/juliangruber/go-intersect"
	"github.com/labstack/echo/v4"
)

// JwtAuthorizer lets machine tokens through when they carry one of scopes,
// and user tokens only for administrators. The harvest status is not
// partitioned per user.
func JwtAuthorizer(scopes ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token, ok := c.Get("user").(*jwt.Token)
			if !ok {
				return echo.NewHTTPError(http.StatusForbidden, "user not set")
			}
			claims, ok := token.Claims.(*CustomClaims)
			if !ok {
				return echo.NewHTTPError(http.StatusForbidden, "unexpected claims")
			}

			if claims.Gty == "client-credentials" {
				claimScopes := claims.scopes()
				if len(intersect.Simple(claimScopes, scopes)) == 0 {
					LOG.Debug().
						Str("subject", claims.Subject).
						Strs("scopes", claimScopes).
						Strs("userScopes", scopes).
						Msg("user attempted login with missing or wrong scope")
					return echo.NewHTTPError(http.StatusForbidden, "user attempted login with missing or wrong scope")
				}
			} else if !claims.Adm {
				return echo.NewHTTPError(http.StatusForbidden, "user has no access to harvest status")
			}

			return next(c)
		}
	}
}
