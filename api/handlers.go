package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/tak-kam/cognito-dr/bridge"
	"github.com/tak-kam/cognito-dr/directory"
	"github.com/tak-kam/cognito-dr/domain"
)

const maxBodySize = 16 << 10

// Register wires up all routes on the provided Echo instance.
func Register(e *echo.Echo, dir directory.Directory, store RecordStore, confirmer Confirmer, auth Authenticator) {
	e.GET("/healthz", healthz)

	requireAuth := RequireAuth(auth)
	e.PUT("/users/:userId", putUser(dir, store), requireAuth)
	e.DELETE("/users/:userId", deleteUser(dir, store), requireAuth)
	e.POST("/hooks/post-confirmation", postConfirmation(confirmer), requireAuth)
}

func healthz(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

type putUserRequest struct {
	Email string `json:"email"`
}

func putUser(dir directory.Directory, store RecordStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		key := c.Param("userId")

		var req putUserRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if err := domain.ValidateEmail(req.Email); err != nil {
			return c.String(http.StatusBadRequest, err.Error())
		}

		if err := dir.UpdateIdentityAttributes(ctx, key, domain.ReplicatedAttributes(req.Email)); err != nil {
			return directoryError(c, err)
		}
		if _, err := store.UpsertRecord(ctx, key, req.Email); err != nil {
			log.WithError(err).WithField("key", key).Error("record forced update")
			return c.String(http.StatusInternalServerError, "failed to update record")
		}
		log.WithField("key", key).Info("identity email updated")
		return c.NoContent(http.StatusOK)
	}
}

func deleteUser(dir directory.Directory, store RecordStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		key := c.Param("userId")

		if err := dir.DeleteIdentity(ctx, key); err != nil && !errors.Is(err, directory.ErrNotFound) {
			return directoryError(c, err)
		}
		if err := store.DeleteRecord(ctx, key); err != nil {
			log.WithError(err).WithField("key", key).Error("record forced delete")
			return c.String(http.StatusInternalServerError, "failed to delete record")
		}
		log.WithField("key", key).Info("identity deleted")
		return c.NoContent(http.StatusOK)
	}
}

type postConfirmationEvent struct {
	UserName string `json:"userName"`
	Request  struct {
		UserAttributes map[string]string `json:"userAttributes"`
	} `json:"request"`
}

func postConfirmation(confirmer Confirmer) echo.HandlerFunc {
	return func(c echo.Context) error {
		body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodySize))
		if err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		var ev postConfirmationEvent
		if err := sonic.Unmarshal(body, &ev); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}

		_, err = confirmer.OnConfirmed(c.Request().Context(), bridge.Confirmation{
			UserName: ev.UserName,
			Email:    ev.Request.UserAttributes[domain.AttrEmail],
		})
		switch {
		case err == nil:
			return c.JSONBlob(http.StatusOK, body)
		case errors.Is(err, domain.ErrMissingKey), errors.Is(err, domain.ErrMissingEmail), errors.Is(err, domain.ErrInvalidEmail):
			return c.String(http.StatusBadRequest, err.Error())
		default:
			log.WithError(err).WithField("key", ev.UserName).Error("post confirmation")
			return c.String(http.StatusInternalServerError, "failed to record identity")
		}
	}
}

func decodeBody(c echo.Context, v any) error {
	dec := sonic.ConfigStd.NewDecoder(io.LimitReader(c.Request().Body, maxBodySize))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func directoryError(c echo.Context, err error) error {
	switch directory.KindOf(err) {
	case directory.KindNotFound:
		return c.String(http.StatusNotFound, "identity not found")
	case directory.KindPermanent:
		return c.String(http.StatusBadRequest, err.Error())
	}
	log.WithError(err).Error("directory call")
	return c.String(http.StatusInternalServerError, "directory unavailable")
}
