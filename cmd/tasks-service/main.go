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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/taskstream/project/internal/app/tasks"
	"github.com/taskstream/project/internal/commandbus"
	"github.com/taskstream/project/internal/events"
	"github.com/taskstream/project/internal/messaging"
	"github.com/taskstream/project/internal/platform/dbpool"
	"github.com/taskstream/project/internal/platform/env"
	"github.com/taskstream/project/internal/platform/metrics"
	"github.com/taskstream/project/internal/platform/natsutil"
	"github.com/taskstream/project/internal/supervisor"
)

func main() {
	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	healthAddr := env.String("TASKS_HEALTH_ADDR", ":3002")
	natsURL := env.String("NATS_URL", env.DefaultNATSURL)
	pgURL := env.String("DATABASE_URL", env.DefaultDatabaseURL)
	authServiceURL := env.String("AUTH_SERVICE_URL", env.DefaultAuthServiceURL)
	shutdownTimeout := env.Duration("SHUTDOWN_TIMEOUT", 10*time.Second)

	pool, err := dbpool.New(runCtx, pgURL)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()

	store := tasks.NewPostgresStore(pool)
	if err := waitForSchema(runCtx, store, 30*time.Second); err != nil {
		log.Fatal(err)
	}

	holder := &natsutil.Holder{}
	publisher := events.NewPublisher(holder.PublishJS)

	service := tasks.NewService(store, publisher.PublishEvent)
	service.Users = tasks.NewUserClient(authServiceURL)

	responder := commandbus.NewResponder(holder.Publish)
	service.Register(responder)

	var sup *supervisor.Supervisor
	sup = supervisor.New("tasks-nats",
		func(_ context.Context) error {
			client, err := natsutil.Connect(natsURL, "tasks-service", func(conn *nats.Conn) {
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
			_, err := responder.Subscribe(client.Conn)
			return err
		},
	)
	go func() {
		if err := sup.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
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
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := checkTasksReadiness(r.Context(), holder, pool); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metrics.DefaultHandler())

	server := &http.Server{
		Addr:              healthAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	fmt.Printf("Tasks Service health endpoint listening on %s\n", healthAddr)
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
		log.Printf("tasks-service graceful shutdown failed: %v", err)
	}
}

func waitForSchema(ctx context.Context, store *tasks.PostgresStore, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		attemptCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		lastErr = store.EnsureSchema(attemptCtx)
		cancel()
		if lastErr == nil {
			return nil
		}
		log.Printf("waiting for tasks schema readiness: %v", lastErr)
		time.Sleep(500 * time.Millisecond)
	}
	return lastErr
}

func checkTasksReadiness(ctx context.Context, holder *natsutil.Holder, pool *pgxpool.Pool) error {
	client := holder.Client()
	if client == nil || client.Conn == nil {
		return errors.New("nats connection is nil")
	}
	if client.Conn.Status() != nats.CONNECTED {
		return fmt.Errorf("nats is not connected: %s", client.Conn.Status().String())
	}
	if err := dbpool.Ping(ctx, pool, 1500*time.Millisecond); err != nil {
		return fmt.Errorf("postgres ping failed: %w", err)
	}
	return nil
}
