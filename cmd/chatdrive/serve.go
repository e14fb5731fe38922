package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/chatdrive/chatdrive/internal/server"
)

func runServe(ctx context.Context, args []string, s streams) error {
	var g globalFlags
	fs := newFlagSet("serve", &g, s)
	port := fs.Int("port", 0, "override listening port (default: from config or 9180)")
	host := fs.String("host", "", "override listening host (default: from config or 127.0.0.1)")
	shutdownTimeout := fs.Int("shutdown-timeout", 0, "graceful shutdown timeout in seconds (default: from config or 30)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := newApp(&g, s.in, s.out, s.err)
	if err != nil {
		return err
	}
	defer a.Close()

	if *port != 0 {
		a.cfg.Server.Port = *port
	}
	if *host != "" {
		a.cfg.Server.Host = *host
	}
	if *shutdownTimeout != 0 {
		a.cfg.Server.ShutdownTimeout = *shutdownTimeout
	}

	// Register saved sessions so they show up before first use. Connections
	// open lazily.
	accts, err := a.creds.List(ctx)
	if err != nil {
		return fmt.Errorf("listing saved sessions: %w", err)
	}
	for _, acct := range accts {
		if acct.Backend != a.cfg.Transport.Backend {
			continue
		}
		if _, err := a.registry.Get(acct.OwnerKey, acct.Token); err != nil {
			a.log.Warn("skipping saved session", "owner", acct.OwnerKey, "error", err)
		}
	}

	opts := []server.ServerOption{server.WithLogger(a.log)}
	if p, ok := a.creds.(server.Pinger); ok {
		opts = append(opts, server.WithHealthCheck("credstore", p))
	}
	srv := server.New(a.cfg, a.registry, opts...)

	addr := fmt.Sprintf("%s:%d", a.cfg.Server.Host, a.cfg.Server.Port)
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		a.log.Info("shutting down")
		// Give in-flight requests time to complete.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(a.cfg.Server.ShutdownTimeout)*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("shutdown error", "error", err)
		}
		a.log.Info("server stopped")
		return nil
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}
}
