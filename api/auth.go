package api

import (
	"crypto/subtle"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Realm is announced in the WWW-Authenticate challenge.
const Realm = "User Visible Realm"

// Credentials is the single username/password pair allowed to use the API.
type Credentials struct {
	Username string
	Password string
}

// Valid reports whether the supplied pair matches. Both fields are always
// compared so timing does not reveal which one was wrong.
func (c Credentials) Valid(username, password string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(c.Username))
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(c.Password))
	return userOK&passOK == 1
}

// BasicAuth rejects requests without valid credentials before any handler
// runs.
func BasicAuth(creds Credentials) echo.MiddlewareFunc {
	return middleware.BasicAuthWithConfig(middleware.BasicAuthConfig{
		Realm: Realm,
		Validator: func(username, password string, _ echo.Context) (bool, error) {
			return creds.Valid(username, password), nil
		},
	})
}
