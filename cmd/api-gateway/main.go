package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/taskstream/project/internal/app/gateway"
	"github.com/taskstream/project/internal/commandbus"
	"github.com/taskstream/project/internal/messaging"
	platformauth "github.com/taskstream/project/internal/platform/auth"
	"github.com/taskstream/project/internal/platform/env"
	"github.com/taskstream/project/internal/platform/metrics"
	"github.com/taskstream/project/internal/platform/natsutil"
	"github.com/taskstream/project/internal/supervisor"
)

func main() {
	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gatewayAddr := env.String("GATEWAY_ADDR", env.DefaultGatewayAddr)
	natsURL := env.String("NATS_URL", env.DefaultNATSURL)
	uiOrigin := env.String("UI_ORIGIN", env.DefaultUIOrigin)
	jwtSecret := env.String("JWT_SECRET", "dev-insecure-change-me")
	shutdownTimeout := env.Duration("SHUTDOWN_TIMEOUT", 10*time.Second)

	holder := &natsutil.Holder{}
	caller := commandbus.NewCaller(holder, messaging.CommandSubject)

	var sup *supervisor.Supervisor
	sup = supervisor.New("gateway-nats",
		func(_ context.Context) error {
			client, err := natsutil.Connect(natsURL, "api-gateway", func(conn *nats.Conn) {
				if holder.Owns(conn) {
					sup.ConnectionLost()
				}
			})
			if err != nil {
				return err
			}
			holder.Set(client)
			return nil
		},
		func(_ context.Context) error {
			client := holder.Client()
			if client == nil {
				return natsutil.ErrNotConnected
			}
			_, err := caller.Bind(client.Conn)
			return err
		},
	)
	go func() {
		if err := sup.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			// Degraded mode: HTTP keeps serving, calls fail fast.
			log.Printf("broker supervision ended: %v", err)
		}
	}()
	defer func() { holder.Client().Close() }()

	handler := gateway.NewHandler(caller, platformauth.NewManager(jwtSecret, 15*time.Minute), uiOrigin)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if err := checkGatewayReadiness(holder); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metrics.DefaultHandler())
	mux.Handle("/", handler.Router())

	server := &http.Server{
		Addr:              gatewayAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	fmt.Printf("API Gateway listening on %s\n", gatewayAddr)
	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		log.Fatal(err)
	case <-runCtx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("api-gateway graceful shutdown failed: %v", err)
	}
}

func checkGatewayReadiness(holder *natsutil.Holder) error {
	client := holder.Client()
	if client == nil || client.Conn == nil {
		return errors.New("nats connection is nil")
	}
	if client.Conn.Status() != nats.CONNECTED {
		return fmt.Errorf("nats is not connected: %s", client.Conn.Status().String())
	}
	return nil
}
