package actions

import (
	"context"
	"fmt"
	"os"
	"time"

	cli "github.com/urfave/cli"

	"gitlab.com/arcapay/recoup/api"
	"gitlab.com/arcapay/recoup/async"
	"gitlab.com/arcapay/recoup/billing"
	"gitlab.com/arcapay/recoup/cmd/recoup/flags"
	"gitlab.com/arcapay/recoup/config"
	"gitlab.com/arcapay/recoup/db"
	"gitlab.com/arcapay/recoup/gateway"
	"gitlab.com/arcapay/recoup/ingest"
	"gitlab.com/arcapay/recoup/kv"
	"gitlab.com/arcapay/recoup/queue"
	"gitlab.com/arcapay/recoup/reconcile"
	"gitlab.com/arcapay/recoup/vop"
)

// Background sweep intervals. Recurring billing looks for due profiles,
// reconciliation picks up stale pending attempts.
const (
	recurringInterval      = 1 * time.Hour
	reconciliationInterval = 30 * time.Minute
)

const (
	dbAwaitAttempts = 5
	dbAwaitDuration = time.Second
)

// awaitDatabase tries to get a response from Postgres, returning an error
// if that isn't possible within a set of attempts
func awaitDatabase(database *db.DB) error {
	retry := func() bool {
		err := database.Ping()
		if err != nil {
			log.WithError(err).Debug("database ping failed")
		}
		return err == nil
	}
	return async.Await(dbAwaitAttempts, dbAwaitDuration, retry, "couldn't reach database")
}

func Serve() cli.Command {
	serve := cli.Command{
		Name:  "serve",
		Usage: "Starts the debt recovery processing api",
		Action: func(c *cli.Context) error {
			conf := config.Read(c)

			database, err := db.Open(flags.ReadDbConf(c))
			if err != nil {
				return err
			}
			defer func() {
				if dbErr := database.Close(); dbErr != nil {
					log.WithError(dbErr).Error("Could not close DB")
				}
			}()

			if err := awaitDatabase(database); err != nil {
				return err
			}

			if c.Bool("db.migrateup") {
				if err := database.MigrateUp(); err != nil {
					return err
				}
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			store, err := kv.Open(ctx, flags.ReadKvConf(c))
			if err != nil {
				return err
			}
			defer func() {
				if kvErr := store.Close(); kvErr != nil {
					log.WithError(kvErr).Error("Could not close KV store")
				}
			}()

			gw := gateway.New(flags.ReadGatewayConf(c))

			broker := queue.NewBroker()
			broker.Start(ctx)
			defer broker.Stop()

			ing := &ingest.Ingestor{DB: database, KV: store, Broker: broker, Conf: conf}
			orch := &billing.Orchestrator{
				DB: database, KV: store, Broker: broker, Gateway: gw, Conf: conf,
			}
			rec := &reconcile.Reconciler{
				DB: database, KV: store, Broker: broker, Gateway: gw, Orch: orch,
			}

			registry := &vop.Registry{DB: database, KV: store}
			var bav vop.BavClient
			if vopConf := flags.ReadVopConf(c); vopConf.BaseURL != "" {
				registry.Directory = vop.NewHTTPDirectory(vopConf)
				bav = vop.NewHTTPBavClient(vopConf)
			} else {
				log.Warn("No verification provider configured, running on local bank data only")
			}

			exportDir := c.String("api.exportdir")
			if err := os.MkdirAll(exportDir, 0700); err != nil {
				return err
			}

			app, err := api.NewApp(database, store, broker, ing, orch, rec,
				registry, bav, api.Config{
					LogLevel:     log.Level,
					AllowOrigins: c.StringSlice("api.allowedorigins"),
					ExportDir:    exportDir,
				})
			if err != nil {
				return err
			}

			go runSweeps(ctx, broker, orch, rec)

			address := fmt.Sprintf(":%d", c.Int("api.port"))
			log.WithField("address", address).Info("Starting API")
			return app.Router.Run(address)
		},
		Flags: flags.Concat(flags.Db, flags.Redis, flags.Gateway, flags.Vop, flags.Api),
	}
	return serve
}

// runSweeps periodically enqueues the recurring billing and reconciliation
// dispatchers. Both carry identity keys, so an overlapping trigger from the
// ops endpoints is dropped as a duplicate rather than doubled.
func runSweeps(ctx context.Context, broker *queue.Broker,
	orch *billing.Orchestrator, rec *reconcile.Reconciler) {

	recurring := time.NewTicker(recurringInterval)
	defer recurring.Stop()
	reconciliation := time.NewTicker(reconciliationInterval)
	defer reconciliation.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-recurring.C:
			job := &billing.RecurringJob{Orch: orch}
			if err := broker.Enqueue(queue.QueueBilling, job); err != nil &&
				err != queue.ErrDuplicate {
				log.WithError(err).Error("Could not enqueue recurring billing sweep")
			}
		case <-reconciliation.C:
			job := &reconcile.DispatchJob{Rec: rec}
			if err := broker.Enqueue(queue.QueueReconciliation, job); err != nil &&
				err != queue.ErrDuplicate {
				log.WithError(err).Error("Could not enqueue reconciliation sweep")
			}
		}
	}
}
