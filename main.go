// Package main is the place server daemon: one long-lived process hosting
// exactly one shared place. Clients connect over WebRTC via the HTTP
// signalling endpoint; the daemon authoritatively holds the scene graph,
// routes interactions and forwards media between participants.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"placeserver/config"
	"placeserver/logging"
	"placeserver/place"
	"placeserver/signalling"
	"placeserver/transport"
	"placeserver/version"
)

func main() {
	if err := config.Initialize(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	cfg := config.Config

	if err := logging.ApplyConfig(logging.Config{Level: cfg.LogLevel}); err != nil {
		fmt.Fprintf(os.Stderr, "logging error: %v\n", err)
		os.Exit(1)
	}

	factory, err := transport.NewFactory(transport.Options{
		PortRangeMin:   cfg.WebRTCPortMin,
		PortRangeMax:   cfg.WebRTCPortMax,
		IPOverrideFrom: cfg.IPOverrideFrom,
		IPOverrideTo:   cfg.IPOverrideTo,
	})
	if err != nil {
		logging.Fatal("webrtc stack setup failed", map[string]interface{}{
			"error": err.Error(),
		})
	}

	p := place.New(place.Options{
		Name:           cfg.Name,
		AuthSecret:     cfg.AppAuthToken,
		CoalesceDelay:  cfg.CoalesceDelay,
		KeepaliveDelay: cfg.KeepaliveDelay,
	}, factory)

	front := signalling.NewServer(p, signalling.Options{
		AppName:        cfg.AppName,
		AppDownloadURL: cfg.AppDownloadURL,
		AppURLProtocol: cfg.AppURLProtocol,
	})
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: front.Router(),
	}

	logging.Info("place server starting", map[string]interface{}{
		"place":       cfg.Name,
		"http_port":   cfg.HTTPPort,
		"webrtc_port": fmt.Sprintf("%d-%d", cfg.WebRTCPortMin, cfg.WebRTCPortMax),
		"protocol":    version.Protocol,
		"build":       version.Server,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logging.Info("shutting down", nil)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		p.Shutdown()
		return nil
	})

	if err := g.Wait(); err != nil {
		logging.Fatal("server failed", map[string]interface{}{"error": err.Error()})
	}
}
