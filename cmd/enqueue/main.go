package main

import (
	"context"
	"flag"
	"time"

	"go.uber.org/zap"

	"newsbrief/config"
	"newsbrief/internal/repository"
	"newsbrief/internal/service/scheduler"
	"newsbrief/pkg/db"
	"newsbrief/pkg/logger"
	"newsbrief/pkg/mq"
)

// enqueue publishes digest.run tasks on demand, for backfills and manual
// reruns. Without -user it fans out to every eligible user, same as the
// daily schedule.
func main() {
	userID := flag.String("user", "", "enqueue for a single user id (default: all eligible users)")
	day := flag.String("day", "", "calendar day YYYY-MM-DD, UTC (default: today)")
	flag.Parse()

	cfg := config.Load()
	log := logger.NewLogger()
	defer log.Sync()

	runDay := time.Now().UTC()
	if *day != "" {
		parsed, err := time.ParseInLocation("2006-01-02", *day, time.UTC)
		if err != nil {
			log.Fatal("Invalid -day", zap.String("day", *day), zap.Error(err))
		}
		runDay = parsed
	}

	publisher, err := mq.NewPublisher(cfg.MQ.URL)
	if err != nil {
		log.Fatal("Failed to create MQ publisher", zap.Error(err))
	}
	defer publisher.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if *userID != "" {
		sched := scheduler.NewScheduler(nil, publisher, log)
		if err := sched.Enqueue(ctx, *userID, runDay); err != nil {
			log.Fatal("Failed to enqueue digest run", zap.Error(err))
		}
		log.Info("Digest run enqueued",
			zap.String("user_id", *userID),
			zap.String("day", runDay.Format("2006-01-02")),
		)
		return
	}

	dbpool, err := db.NewConnection(cfg.DB, log)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer dbpool.Close()

	sched := scheduler.NewScheduler(repository.NewSourceRepository(dbpool), publisher, log)
	if err := sched.EnqueueAll(ctx, runDay); err != nil {
		log.Fatal("Fan-out failed", zap.Error(err))
	}
}
