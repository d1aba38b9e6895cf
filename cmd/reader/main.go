package main

import (
	"log"
	"log/slog"
	"net/http"
	"time"

	"shelfread/internal/app"
	"shelfread/internal/config"
	"shelfread/internal/ratelimit"
	"shelfread/internal/server"
	"shelfread/internal/servicetoken"
	"shelfread/internal/usertoken"
	"shelfread/internal/util"
	"shelfread/pkg/pagination"
	"shelfread/pkg/render"
	"shelfread/pkg/storage"
	"shelfread/pkg/store"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	internalVerifyKeys, err := servicetoken.ParseVerifyPublicKeys(cfg.InternalJWTVerifyPublicKeys)
	if err != nil {
		log.Fatalf("failed to parse internal jwt verify public keys: %v", err)
	}
	tokenVerifier, err := usertoken.NewVerifier(usertoken.Config{
		JWKSURL:    cfg.AuthJWKSURL,
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
		Leeway:     config.Duration(cfg.JWTLeeway, 30*time.Second),
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	})
	if err != nil {
		log.Fatalf("failed to init jwks verifier: %v", err)
	}

	st, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to init store: %v", err)
	}
	objects, err := storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	if err != nil {
		log.Fatalf("failed to init object store: %v", err)
	}

	renderer := render.NewFitzRenderer(float64(cfg.RenderDPI), cfg.RenderQuality)
	pipeline := pagination.New(pagination.Config{
		Store:        st,
		Objects:      objects,
		Renderer:     renderer,
		KeyPrefix:    cfg.StorageKeyPrefix,
		BuildTimeout: config.Duration(cfg.BuildTimeout, 2*time.Minute),
	})

	appCore, err := app.New(app.Config{
		Store:         st,
		Objects:       objects,
		Pipeline:      pipeline,
		PresignExpiry: config.Duration(cfg.PresignExpiry, 15*time.Minute),
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	var readLimiter *ratelimit.FixedWindowLimiter
	if cfg.RedisAddr != "" && cfg.ReadRateLimitPerMinute > 0 {
		readLimiter, err = ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "", cfg.ReadRateLimitPerMinute, time.Minute)
		if err != nil {
			log.Fatalf("failed to init rate limiter: %v", err)
		}
	}
	trustedProxies, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		log.Fatalf("failed to parse trusted proxy cidrs: %v", err)
	}

	httpServer, err := server.New(server.Config{
		App:                         appCore,
		TokenVerifier:               tokenVerifier,
		InternalJWTKeyID:            cfg.InternalJWTKeyID,
		InternalJWTPublicKeyPath:    cfg.InternalJWTPublicKeyPath,
		InternalJWTVerifyPublicKeys: internalVerifyKeys,
		ReadLimiter:                 readLimiter,
		TrustedProxies:              trustedProxies,
		MaxUploadBytes:              cfg.MaxUploadBytes,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("reader server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}
