package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
)

const subjectKey = "subject"

// RequireAuth rejects requests without a valid bearer token and stores the
// token subject on the context.
func RequireAuth(auth Authenticator) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			sub, err := auth.SubjectFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
			if err != nil {
				log.WithError(err).WithField("path", c.Path()).Debug("rejected request")
				return c.String(http.StatusUnauthorized, err.Error())
			}
			c.Set(subjectKey, sub)
			return next(c)
		}
	}
}
