// outbox-dispatcher publishes committed certificate events to Pub/Sub as a
// standalone service. Run the API with OUTBOX_DISPATCHER_DISABLED=true when
// using it.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/tc_backend/config"
	"bitbucket.org/mmdatafocus/tc_backend/workflow"
	"github.com/sirupsen/logrus"
)

func main() {
	batch := flag.Int("batch-size", 50, "Rows claimed per poll")
	poll := flag.Duration("poll-interval", 500*time.Millisecond, "Delay between polls")
	maxAttempts := flag.Int("max-attempts", 20, "Attempts before a row is marked DEAD")
	once := flag.Bool("once", false, "Dispatch one batch and exit")
	flag.Parse()

	logger := config.GetLogger()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	config.ConnectDatabaseWithRetry()
	defer config.ClosePubSub()
	d := workflow.NewOutboxDispatcher(config.GetDB(), logger)
	d.BatchSize = *batch
	d.PollInterval = *poll
	d.MaxAttempts = *maxAttempts

	if *once {
		sent := d.DispatchOnce(ctx)
		logger.WithFields(logrus.Fields{"field": "outbox-dispatcher", "sent": sent}).Info("dispatched one batch")
		return
	}
	logger.WithFields(logrus.Fields{"field": "outbox-dispatcher", "dispatcher_id": d.DispatcherID}).Info("dispatcher started")
	d.Run(ctx)
}
