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
	"github.com/taskstream/project/internal/app/notifications"
	"github.com/taskstream/project/internal/events"
	"github.com/taskstream/project/internal/fanout"
	"github.com/taskstream/project/internal/messaging"
	platformauth "github.com/taskstream/project/internal/platform/auth"
	"github.com/taskstream/project/internal/platform/env"
	"github.com/taskstream/project/internal/platform/metrics"
	"github.com/taskstream/project/internal/platform/natsutil"
	"github.com/taskstream/project/internal/supervisor"
)

const eventConsumerName = "notifications"

func main() {
	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	listenAddr := env.String("NOTIFICATIONS_ADDR", env.DefaultNotificationsAddr)
	natsURL := env.String("NATS_URL", env.DefaultNATSURL)
	uiOrigin := env.String("UI_ORIGIN", env.DefaultUIOrigin)
	jwtSecret := env.String("JWT_SECRET", "dev-insecure-change-me")
	shutdownTimeout := env.Duration("SHUTDOWN_TIMEOUT", 10*time.Second)

	registry := fanout.NewRegistry()
	hub := fanout.NewHub(registry, platformauth.NewManager(jwtSecret, 15*time.Minute), uiOrigin)

	dispatcher := events.NewDispatcher()
	notifications.NewService(registry).Register(dispatcher)

	holder := &natsutil.Holder{}
	var sup *supervisor.Supervisor
	sup = supervisor.New("notifications-nats",
		func(_ context.Context) error {
			client, err := natsutil.Connect(natsURL, "notifications-service", func(conn *nats.Conn) {
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
			if err := messaging.EnsureTopology(client.JS); err != nil {
				return err
			}
			_, err := dispatcher.Subscribe(runCtx, client.JS, eventConsumerName)
			return err
		},
	)
	go func() {
		if err := sup.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			// Degraded mode: connected clients stay attached but receive
			// no further events until the process is restarted.
			log.Printf("broker supervision ended: %v", err)
		}
	}()
	defer func() { holder.Client().Close() }()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if err := checkNotificationsReadiness(holder); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metrics.DefaultHandler())
	mux.HandleFunc("/ws", hub.HandleWebSocket)

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	fmt.Printf("Notifications Service listening on %s\n", listenAddr)
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
		log.Printf("notifications-service graceful shutdown failed: %v", err)
	}
}

func checkNotificationsReadiness(holder *natsutil.Holder) error {
	client := holder.Client()
	if client == nil || client.Conn == nil {
		return errors.New("nats connection is nil")
	}
	if client.Conn.Status() != nats.CONNECTED {
		return fmt.Errorf("nats is not connected: %s", client.Conn.Status().String())
	}
	return nil
}
