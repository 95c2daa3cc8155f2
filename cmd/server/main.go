package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"fanoutctl/internal/config"
	"fanoutctl/internal/httpapi"
	"fanoutctl/internal/kvscan"
	"fanoutctl/internal/middleware"
	"fanoutctl/internal/pool"
	"fanoutctl/internal/sqlexec"
	"fanoutctl/internal/store"
)

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		log.Printf("warning: could not load .env: %v", err)
	}

	configPath := os.Getenv("CLOUDS_CONFIG_PATH")
	if configPath == "" {
		configPath = "clouds.json"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Runtime.SlogLevel()}))
	for _, w := range cfg.Runtime.Warnings {
		logger.Warn(w)
	}

	validator, err := middleware.NewHS256Validator(cfg.Runtime.JWTSecret)
	if err != nil {
		logger.Error("construct JWT validator failed", "err", err)
		os.Exit(1)
	}

	reg := pool.NewRegistry(cfg, logger)

	exec := store.New(cfg, logger)
	active := store.NewActiveRegistry()

	sqlExec := sqlexec.New(reg, exec, active, cfg, logger)
	scanExec := kvscan.New(reg, exec, logger)

	srv := httpapi.NewServer(sqlExec, scanExec, exec, active, cfg, logger)
	router := httpapi.NewRouter(srv, validator, cfg)

	httpServer := &http.Server{
		Addr:         cfg.Runtime.ListenAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
	}

	logger.Info("control plane listening", "addr", cfg.Runtime.ListenAddr)
	logger.Info("try", "curl", "curl -H 'Authorization: Bearer <jwt>' "+curlURLForListenAddr(cfg.Runtime)+"/healthz")

	go func() {
		var serveErr error
		if cfg.Runtime.TLSCertFile != "" && cfg.Runtime.TLSKeyFile != "" {
			serveErr = httpServer.ListenAndServeTLS(cfg.Runtime.TLSCertFile, cfg.Runtime.TLSKeyFile)
		} else if cfg.Runtime.AllowInsecureHTTP || cfg.Runtime.Env != "production" {
			serveErr = httpServer.ListenAndServe()
		} else {
			logger.Error("refusing to start plaintext HTTP in production without ALLOW_INSECURE_HTTP=true")
			os.Exit(1)
		}
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			logger.Error("server error", "err", serveErr)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "err", err)
	}
}

// curlHostForListenAddr normalises a listen address into a host a curl
// example can reach: wildcard binds resolve to localhost, everything else
// passes through with surrounding whitespace trimmed.
func curlHostForListenAddr(listenAddr string) string {
	addr := strings.TrimSpace(listenAddr)
	if addr == "" {
		return "localhost:8080"
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		host = "[" + host + "]"
	}
	if port == "" {
		return host
	}
	return host + ":" + port
}

func curlURLForListenAddr(rt config.Runtime) string {
	scheme := "http"
	if rt.TLSCertFile != "" {
		scheme = "https"
	}
	return scheme + "://" + curlHostForListenAddr(rt.ListenAddr)
}
