// Command contextmate-server runs the ContextMate sync server: per-user
// file storage, authentication, and websocket change notification.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"contextmate/internal/log"
	"contextmate/internal/server"
	"contextmate/internal/util"
)

func main() {
	var (
		addr     = flag.String("addr", ":8787", "listen address")
		dataDir  = flag.String("data-dir", "./data", "directory for the sqlite database and blob storage")
		jwtHex   = flag.String("jwt-secret", "", "hex-encoded HMAC secret for session tokens (if empty, an ephemeral secret is generated for this process and not printed)")
		logLevel = flag.String("log-level", "info", "debug, info, warn, or error")
	)
	flag.Parse()

	switch *logLevel {
	case "debug":
		log.SetLogger(log.NewSimpleLogger(os.Stderr, log.LevelDebug))
	case "warn":
		log.SetLogger(log.NewSimpleLogger(os.Stderr, log.LevelWarn))
	case "error":
		log.SetLogger(log.NewSimpleLogger(os.Stderr, log.LevelError))
	default:
		log.SetLogger(log.NewSimpleLogger(os.Stderr, log.LevelInfo))
	}

	secret, err := resolveJWTSecret(*jwtHex)
	if err != nil {
		fmt.Fprintln(os.Stderr, "contextmate-server:", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("shutting down")
		cancel()
	}()

	store, err := server.Open(ctx, filepath.Join(*dataDir, "contextmate.db"), filepath.Join(*dataDir, "blobs"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "contextmate-server:", err)
		os.Exit(1)
	}
	defer store.Close()

	srv := server.New(store, secret)
	httpServer := &http.Server{
		Addr:              *addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		httpServer.Shutdown(shutdownCtx)
	}()

	log.Info("listening", log.String("addr", *addr))
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fmt.Fprintln(os.Stderr, "contextmate-server:", err)
		os.Exit(1)
	}
}

func resolveJWTSecret(hexSecret string) ([]byte, error) {
	if hexSecret != "" {
		b, err := hex.DecodeString(hexSecret)
		if err != nil {
			return nil, fmt.Errorf("--jwt-secret is not valid hex: %w", err)
		}
		return b, nil
	}
	b, err := util.RandomBytes(32)
	if err != nil {
		return nil, err
	}
	fmt.Fprintln(os.Stderr, "contextmate-server: no --jwt-secret given; generated an ephemeral one for this process only")
	return b, nil
}
