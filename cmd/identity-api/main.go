package main

import (
	"context"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/tak-kam/cognito-dr/api"
	"github.com/tak-kam/cognito-dr/bridge"
	"github.com/tak-kam/cognito-dr/config"
	"github.com/tak-kam/cognito-dr/storage"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	cfg.ApplyLogging(log.StandardLogger())

	if err := cfg.RequireStorage(); err != nil {
		log.Fatal(err)
	}
	if err := cfg.RequireAuth(); err != nil {
		log.Fatal(err)
	}

	store, err := storage.New(cfg.StorageConfig())
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	dir, err := cfg.NewDirectory(context.Background(), config.Primary)
	if err != nil {
		log.Fatalf("directory: %v", err)
	}

	var auth *api.Auth
	if cfg.Auth.SharedSecret != "" {
		log.Warn("validating tokens with a shared secret")
		auth, err = api.NewAuth(nil, cfg.AuthConfig())
	} else {
		jwks, jerr := api.LoadJWKS(cfg.Auth.JWKSURL, cfg.Auth.KeyCacheTTL)
		if jerr != nil {
			log.Fatalf("jwks: %v", jerr)
		}
		auth, err = api.NewAuth(jwks, cfg.AuthConfig())
	}
	if err != nil {
		log.Fatalf("auth: %v", err)
	}

	e := echo.New()
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))

	api.Register(e, dir, store, bridge.New(store), auth)

	e.Logger.Fatal(e.Start(cfg.ListenAddr))
}
