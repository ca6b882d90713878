package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/fleetboard/internal/archive"
	"github.com/agentworkforce/fleetboard/internal/board"
	"github.com/agentworkforce/fleetboard/internal/boardfs"
	"github.com/agentworkforce/fleetboard/internal/channel"
	"github.com/agentworkforce/fleetboard/internal/fleetapi"
	"github.com/agentworkforce/fleetboard/internal/notify"
	"github.com/agentworkforce/fleetboard/internal/retrysignal"
	"github.com/agentworkforce/fleetboard/internal/roster"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

func main() {
	baseURL := flag.String("base-url", envOrDefault("FLEETBOARD_BASE_URL", "http://127.0.0.1:8000"), "waitlist base URL")
	token := flag.String("fleet", strings.TrimSpace(os.Getenv("FLEETBOARD_FLEET_TOKEN")), "fleet token")
	sessionID := flag.String("session", strings.TrimSpace(os.Getenv("FLEETBOARD_SESSION_ID")), "session cookie value")
	csrfToken := flag.String("csrf", strings.TrimSpace(os.Getenv("FLEETBOARD_CSRF_TOKEN")), "CSRF token")
	timeout := flag.Duration("timeout", durationEnv("FLEETBOARD_TIMEOUT", 15*time.Second), "per-request timeout")
	commandRate := flag.Float64("command-rate", floatEnv("FLEETBOARD_COMMAND_RATE", 2), "commands per second (0 disables the throttle)")
	checkInterval := flag.Duration("check-interval", durationEnv("FLEETBOARD_CHECK_INTERVAL", 10*time.Second), "interval between connection checks")
	checkJitter := flag.Float64("check-jitter", floatEnv("FLEETBOARD_CHECK_JITTER", 0.2), "check interval jitter ratio (0.0-1.0)")
	autoResync := flag.Bool("auto-resync", boolEnv("FLEETBOARD_AUTO_RESYNC", true), "resync automatically after a disconnect")
	withNotify := flag.Bool("notify", boolEnv("FLEETBOARD_NOTIFY", true), "follow the user notification channel")
	retryFile := flag.String("retry-file", strings.TrimSpace(os.Getenv("FLEETBOARD_RETRY_FILE")), "touch this file to force a resync")
	mountDir := flag.String("mount", strings.TrimSpace(os.Getenv("FLEETBOARD_MOUNT_DIR")), "mount the board read-only at this directory")
	metricsAddr := flag.String("metrics-addr", strings.TrimSpace(os.Getenv("FLEETBOARD_METRICS_ADDR")), "serve /metrics on this address")
	showArchived := flag.Bool("show-archived", false, "print the last archived board and exit")
	once := flag.Bool("once", false, "bootstrap, print the board and exit")
	flag.Parse()

	if strings.TrimSpace(*token) == "" {
		log.Fatalf("fleet token is required (--fleet or FLEETBOARD_FLEET_TOKEN)")
	}
	if *timeout <= 0 {
		*timeout = 15 * time.Second
	}
	if *checkInterval <= 0 {
		*checkInterval = 10 * time.Second
	}
	*checkJitter = clampJitterRatio(*checkJitter)

	archiveDSN, err := archiveDSNFromEnv()
	if err != nil {
		log.Fatalf("failed to resolve archive backend: %v", err)
	}
	var store archive.Backend
	if archiveDSN != "" {
		store, err = archive.BuildBackendFromDSN(archiveDSN)
		if err != nil {
			log.Fatalf("failed to initialize archive backend: %v", err)
		}
	}

	client := fleetapi.NewClient(*baseURL, fleetapi.ClientOptions{
		SessionID:   *sessionID,
		CSRFToken:   *csrfToken,
		HTTPClient:  &http.Client{Timeout: *timeout},
		CommandRate: *commandRate,
	})
	mux := channel.New(channel.Options{
		Header:      client.SessionHeader(),
		DialTimeout: *timeout,
		Logger:      log.Default(),
	})
	defer mux.CloseAll()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	fleetBoard, err := board.New(board.Options{
		Token:      *token,
		ChannelURL: client.FleetChannelURL(*token),
		Source:     client,
		Channel:    mux,
		Archive:    store,
		Registerer: registry,
		Logger:     log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize board: %v", err)
	}

	if *showArchived {
		record, err := fleetBoard.Archived()
		if err != nil {
			log.Fatalf("failed to load archived board: %v", err)
		}
		if record == nil {
			log.Fatalf("no archived board for this fleet")
		}
		printJSON(record)
		return
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *once {
		ctx, cancel := context.WithTimeout(rootCtx, *timeout)
		defer cancel()
		if err := fleetBoard.Bootstrap(ctx); err != nil {
			log.Fatalf("bootstrap failed: %v", err)
		}
		snap, _ := fleetBoard.Snapshot()
		fleetBoard.Teardown()
		printJSON(snap)
		return
	}

	group, ctx := errgroup.WithContext(rootCtx)
	handlers := map[string]channel.Handler{fleetBoard.Key(): fleetBoard}
	var notifications *notify.Store
	if *withNotify {
		notifications = notify.NewStore(log.Default())
		handlers[notify.Key] = notifications
	}
	group.Go(func() error {
		return ignoreCanceled(channel.Dispatch(ctx, mux, handlers))
	})
	if notifications != nil {
		if err := mux.Open(notify.Key, client.NotifyChannelURL()); err != nil {
			log.Printf("notification channel unavailable: %v", err)
		}
	}

	if err := bootstrap(ctx, fleetBoard, *timeout); err != nil && fleetapi.IsTerminal(err) {
		log.Fatalf("fleet unavailable: %v", err)
	}

	if *metricsAddr != "" {
		srv := &http.Server{Addr: *metricsAddr, Handler: metricsHandler(registry)}
		group.Go(func() error {
			log.Printf("metrics listening on %s", *metricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		group.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if *mountDir != "" {
		server, err := boardfs.Mount(boardfs.Options{
			Mountpoint: *mountDir,
			Source:     fleetBoard,
			Logger:     log.Default(),
		})
		if err != nil {
			log.Fatalf("failed to mount board: %v", err)
		}
		group.Go(func() error {
			<-ctx.Done()
			return server.Unmount()
		})
	}

	retries, err := retrysignal.Watch(ctx, retrysignal.Options{
		TriggerFile: *retryFile,
		HangUp:      true,
		Logger:      log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to watch for retry requests: %v", err)
	}

	group.Go(func() error {
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		timer := time.NewTimer(jitteredIntervalWithSample(*checkInterval, *checkJitter, rng.Float64()))
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				log.Printf("fleetboard stopping: %v", ctx.Err())
				return nil
			case reason, ok := <-retries:
				if !ok {
					retries = nil
					continue
				}
				log.Printf("resync requested (%s)", reason)
				_ = resync(ctx, fleetBoard, *timeout)
			case <-timer.C:
				if *autoResync && needsResync(fleetBoard) {
					_ = resync(ctx, fleetBoard, *timeout)
				}
				if notifications != nil && mux.State(notify.Key) == channel.StateDisconnected {
					if err := mux.Open(notify.Key, client.NotifyChannelURL()); err != nil {
						log.Printf("notification channel reopen failed: %v", err)
					}
				}
				logStatus(fleetBoard)
				timer.Reset(jitteredIntervalWithSample(*checkInterval, *checkJitter, rng.Float64()))
			}
		}
	})

	if err := group.Wait(); err != nil {
		log.Printf("fleetboard stopped: %v", err)
	}
	fleetBoard.Teardown()
}

func bootstrap(ctx context.Context, b *board.Board, timeout time.Duration) error {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := b.Bootstrap(reqCtx); err != nil {
		log.Printf("bootstrap failed: %v", err)
		return err
	}
	log.Printf("board ready")
	return nil
}

func resync(ctx context.Context, b *board.Board, timeout time.Duration) error {
	if b.Phase() == board.PhaseNotFound {
		log.Printf("fleet is not available; not resyncing")
		return nil
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := b.Resync(reqCtx); err != nil {
		log.Printf("resync failed: %v", err)
		return err
	}
	log.Printf("board resynced")
	return nil
}

// needsResync reports whether a loaded board lost its stream. A failed
// bootstrap waits for an explicit retry request.
func needsResync(b *board.Board) bool {
	return b.Phase() == board.PhaseReady && b.ConnState() == channel.StateDisconnected
}

func logStatus(b *board.Board) {
	snap, ok := b.Snapshot()
	if !ok {
		log.Printf("board %s: phase=%s connection=%s", b.Key(), b.Phase(), b.ConnState())
		return
	}
	counts := make([]string, 0, len(roster.Categories))
	for _, cat := range roster.Categories {
		counts = append(counts, fmt.Sprintf("%s=%d", cat, len(snap.Columns[cat])))
	}
	log.Printf("board %s: phase=%s connection=%s %s", b.Key(), b.Phase(), b.ConnState(), strings.Join(counts, " "))
}

func metricsHandler(registry *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Fatalf("failed to encode output: %v", err)
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// archiveDSNFromEnv resolves the archive backend from an explicit DSN or a
// named profile.
func archiveDSNFromEnv() (string, error) {
	if dsn := strings.TrimSpace(os.Getenv("FLEETBOARD_ARCHIVE_DSN")); dsn != "" {
		return dsn, nil
	}
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("FLEETBOARD_ARCHIVE_PROFILE")))
	dataDir := strings.TrimSpace(os.Getenv("FLEETBOARD_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".fleetboard"
	}
	switch profile {
	case "", "none":
		return "", nil
	case "memory", "inmemory":
		return "memory://", nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "archive.json"), nil
	case "production", "prod":
		dsn := strings.TrimSpace(os.Getenv("FLEETBOARD_POSTGRES_DSN"))
		if dsn == "" {
			return "", fmt.Errorf("FLEETBOARD_POSTGRES_DSN is required when FLEETBOARD_ARCHIVE_PROFILE=%s", profile)
		}
		return dsn, nil
	default:
		return "", fmt.Errorf("unsupported FLEETBOARD_ARCHIVE_PROFILE: %s", profile)
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %t", name, raw, fallback)
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
