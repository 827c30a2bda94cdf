package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"newsbrief/config"
	mqcontracts "newsbrief/contracts/mq"
	"newsbrief/internal/analysis"
	"newsbrief/internal/collector"
	"newsbrief/internal/mqhandler"
	"newsbrief/internal/notify"
	"newsbrief/internal/repository"
	"newsbrief/internal/service/digest"
	"newsbrief/internal/service/scheduler"
	"newsbrief/internal/token"
	"newsbrief/internal/util"
	"newsbrief/pkg/db"
	"newsbrief/pkg/logger"
	"newsbrief/pkg/mq"
	"newsbrief/pkg/outbox"
	redisclient "newsbrief/pkg/redis"
)

const digestRunQueue = "digest.run.q"

func main() {
	cfg := config.Load()
	log := logger.NewLogger()
	defer log.Sync()

	log.Info("Starting digest worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbpool, err := db.NewConnection(cfg.DB, log)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer dbpool.Close()

	if err := repository.RunMigrations(ctx, dbpool); err != nil {
		log.Fatal("Failed to run migrations", zap.Error(err))
	}

	rdb := redisclient.NewRedisClient(cfg.Redis)
	defer rdb.Close()

	publisher, err := mq.NewPublisher(cfg.MQ.URL)
	if err != nil {
		log.Fatal("Failed to create MQ publisher", zap.Error(err))
	}
	defer publisher.Close()

	if err := declareDLQ(cfg.MQ.URL); err != nil {
		log.Fatal("Failed to declare DLQ topology", zap.Error(err))
	}

	outboxRepo := outbox.NewRepository(dbpool)
	dispatcher := outbox.NewDispatcher(outboxRepo, publisher, log)
	go dispatcher.Start(ctx)

	cipher, err := token.NewCipher(cfg.OAuth.TokenKey)
	if err != nil {
		log.Fatal("Failed to initialize token cipher", zap.Error(err))
	}

	credRepo := repository.NewCredentialRepository(dbpool, cipher)
	sourceRepo := repository.NewSourceRepository(dbpool)
	digestRepo := repository.NewDigestRepository(dbpool)
	thematicRepo := repository.NewThematicRepository(dbpool, outboxRepo)

	provider := token.NewGoogleProvider(token.GoogleProviderConfig{
		ClientID:     cfg.OAuth.ClientID,
		ClientSecret: cfg.OAuth.ClientSecret,
		TokenURL:     cfg.OAuth.TokenURL,
	})
	notifier := notify.NewReauthNotifier(publisher, log)
	tokens := token.NewManager(credRepo, provider, notifier, log)

	analysisClient := analysis.NewClient(
		cfg.Analysis.BaseURL,
		cfg.Analysis.Secret,
		time.Duration(cfg.Analysis.TimeoutSeconds)*time.Second,
	)
	collectorClient := collector.NewClient(cfg.Collector.BaseURL, cfg.Collector.Secret)

	pipeline := digest.NewService(
		tokens,
		sourceRepo,
		collectorClient,
		analysis.NewAnnotator(analysisClient, log),
		analysis.NewClusterer(analysisClient, log),
		analysis.NewSynthesizer(log),
		digestRepo,
		thematicRepo,
		log,
	)

	deduper := util.NewDeduper(rdb, 24*time.Hour, log)
	retries := util.NewRetryCounter(rdb, 24*time.Hour)
	handler := mqhandler.NewDigestRunHandler(
		pipeline,
		deduper,
		retries,
		publisher,
		int64(cfg.Worker.MaxRetries),
		log,
	)

	consumer, err := mq.NewConsumer(cfg.MQ.URL, digestRunQueue, mqcontracts.RoutingKeyDigestRun, log)
	if err != nil {
		log.Fatal("Failed to create MQ consumer", zap.Error(err))
	}
	defer consumer.Close()
	consumer.SetHandler(handler.Handle)

	go func() {
		if err := consumer.StartConsuming(); err != nil {
			log.Error("Consumer stopped", zap.Error(err))
		}
	}()

	sched := scheduler.NewScheduler(sourceRepo, publisher, log)
	go runDailyFanOut(ctx, sched, cfg.Worker.DigestHourUTC, log)
	go runCredentialSweep(ctx, tokens, cfg.Worker, log)

	go serveMetrics(cfg.Worker.MetricsPort, dbpool, publisher, log)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down digest worker")
	cancel()
}

// declareDLQ declares the dead letter exchange and the digest.run parking
// queue on a short-lived channel.
func declareDLQ(url string) error {
	conn, err := mq.NewConnection(url)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := mq.DeclareDLQExchange(ch); err != nil {
		return err
	}
	_, err = mq.DeclareDLQQueue(ch, mqcontracts.RoutingKeyDigestRun)
	return err
}

// runDailyFanOut enqueues one digest.run per eligible user once a day at the
// configured UTC hour.
func runDailyFanOut(ctx context.Context, sched *scheduler.Scheduler, hourUTC int, log *zap.Logger) {
	for {
		next := nextRunAt(time.Now().UTC(), hourUTC)
		log.Info("Next daily fan-out scheduled", zap.Time("at", next))

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		day := time.Now().UTC()
		if err := sched.EnqueueAll(ctx, day); err != nil {
			log.Error("Daily fan-out failed", zap.Error(err))
		}
	}
}

// nextRunAt returns the next occurrence of hourUTC strictly after now.
func nextRunAt(now time.Time, hourUTC int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hourUTC, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}

// runCredentialSweep proactively refreshes expiring credentials on a fixed
// interval, starting with one sweep at boot.
func runCredentialSweep(ctx context.Context, tokens *token.Manager, cfg config.WorkerConfig, log *zap.Logger) {
	interval := time.Duration(cfg.SweepIntervalHours) * time.Hour
	window := time.Duration(cfg.SweepWindowHours) * time.Hour

	if err := tokens.SweepExpiring(ctx, window); err != nil {
		log.Error("Credential sweep failed", zap.Error(err))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := tokens.SweepExpiring(ctx, window); err != nil {
				log.Error("Credential sweep failed", zap.Error(err))
			}
		}
	}
}

// serveMetrics exposes /metrics and /healthz.
func serveMetrics(port string, dbpool *pgxpool.Pool, publisher *mq.Publisher, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := dbpool.Ping(ctx); err != nil {
			http.Error(w, "db unavailable", http.StatusServiceUnavailable)
			return
		}
		if !publisher.IsConnected() {
			http.Error(w, "mq unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	log.Info("Metrics server listening", zap.String("port", port))
	if err := http.ListenAndServe(":"+port, mux); err != nil {
		log.Error("Metrics server stopped", zap.Error(err))
	}
}
