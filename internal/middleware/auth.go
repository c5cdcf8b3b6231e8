package middleware

import (
	"errors"
	"net/http"
	"strings"

	"digital-fulfillment/internal/service"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

const requesterKey = "requester"

type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// AuthMiddleware accepts HS256 bearer tokens and stores the caller as a
// service.Requester under the "requester" key.
func AuthMiddleware(secret, issuer string) echo.MiddlewareFunc {
	key := []byte(secret)
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	parser := jwt.NewParser(opts...)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw, ok := strings.CutPrefix(c.Request().Header.Get(echo.HeaderAuthorization), "Bearer ")
			if !ok || raw == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
			}

			claims := &Claims{}
			_, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
				return key, nil
			})
			if err != nil || claims.Subject == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid bearer token")
			}

			c.Set(requesterKey, service.Requester{AccountID: claims.Subject, Role: claims.Role})
			return next(c)
		}
	}
}

func RequireAdmin() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			requester, err := RequesterFrom(c)
			if err != nil {
				return err
			}
			if !requester.IsAdmin() {
				return echo.NewHTTPError(http.StatusForbidden, "admin only")
			}
			return next(c)
		}
	}
}

func RequesterFrom(c echo.Context) (service.Requester, error) {
	requester, ok := c.Get(requesterKey).(service.Requester)
	if !ok {
		return service.Requester{}, echo.NewHTTPError(http.StatusUnauthorized, "unauthenticated")
	}
	return requester, nil
}

// IssueToken signs a token for accountID. Used by tests and local tooling.
func IssueToken(secret, issuer, accountID, role string, claims jwt.RegisteredClaims) (string, error) {
	if accountID == "" {
		return "", errors.New("missing account id")
	}
	claims.Subject = accountID
	claims.Issuer = issuer
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{Role: role, RegisteredClaims: claims})
	return token.SignedString([]byte(secret))
}
