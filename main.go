package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/tunnelrelay/rendezvous/clientmanager"
	"github.com/tunnelrelay/rendezvous/config"
	"github.com/tunnelrelay/rendezvous/logger"
	"github.com/tunnelrelay/rendezvous/noncecache"
	"github.com/tunnelrelay/rendezvous/router"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg)
	log.Info().Str("env", cfg.Env).Str("domain", cfg.Domain).Msg("rendezvous server starting")

	var nonces *noncecache.Cache
	if cfg.HMACEnabled() {
		nonces = noncecache.New(log, cfg.HMACNonceCacheTTL, cfg.RedisURL)
		nonces.StartSweeper(cfg.NonceCleanupInterval)
		log.Info().Bool("redis_backed", cfg.RedisURL != "").Msg("hmac admin authentication enabled")
	} else {
		log.Warn().Msg("LT_HMAC_SECRET unset — admin tunnel-creation routes are unauthenticated")
	}

	manager := clientmanager.New(log, cfg)

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	var servers []*http.Server

	if cfg.AdminPort != 0 {
		publicHandler := router.New(log, cfg, manager, nonces)
		adminHandler := router.AdminOnly(log, cfg, manager, nonces)

		publicSrv := newServer(net.JoinHostPort(cfg.Address, itoa(cfg.Port)), publicHandler, cfg)
		adminSrv := newServer(net.JoinHostPort(cfg.AdminAddress, itoa(cfg.AdminPort)), adminHandler, cfg)
		servers = append(servers, publicSrv, adminSrv)

		go serve(log, publicSrv, "public plane")
		go serve(log, adminSrv, "admin plane")
	} else {
		combined := router.New(log, cfg, manager, nonces)
		srv := newServer(net.JoinHostPort(cfg.Address, itoa(cfg.Port)), combined, cfg)
		servers = append(servers, srv)
		go serve(log, srv, "combined public+admin plane")
	}

	<-done
	log.Info().Msg("shutdown signal received")

	if nonces != nil {
		nonces.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			log.Error().Err(err).Str("addr", srv.Addr).Msg("graceful shutdown failed")
		}
	}
	log.Info().Msg("rendezvous server stopped")
}

func newServer(addr string, handler http.Handler, cfg *config.Config) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.WebsocketTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

func serve(log zerolog.Logger, srv *http.Server, name string) {
	log.Info().Str("addr", srv.Addr).Str("plane", name).Msg("listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Str("plane", name).Msg("server failed")
	}
}

func itoa(n int) string {
	return fmt.Sprintf("%d", n)
}
