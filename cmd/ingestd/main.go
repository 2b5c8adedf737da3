// Command ingestd runs the dual-chain ingestion engine: one collector
// per enabled chain, a control-plane HTTP server, and the safety
// budgets that bound a single collection run. Its flag/command layout
// follows the teacher's cmd/utils + cmd/klay CLI wiring
// (urfave/cli.App with a Flags slice and a single Action), generalized
// from "run a klaytn node" down to "run the ingestion engine."
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/dualchain/ingestd/internal/config"
	"github.com/dualchain/ingestd/internal/controlplane"
	"github.com/dualchain/ingestd/internal/cursor"
	"github.com/dualchain/ingestd/internal/eventbus"
	"github.com/dualchain/ingestd/internal/router"
	"github.com/dualchain/ingestd/internal/rpcclient"
	"github.com/dualchain/ingestd/internal/rpcclient/btcrest"
	"github.com/dualchain/ingestd/internal/rpcclient/btcrpc"
	"github.com/dualchain/ingestd/internal/rpcclient/solrpc"
	"github.com/dualchain/ingestd/internal/sink"
	"github.com/dualchain/ingestd/internal/storage"
	"github.com/dualchain/ingestd/internal/supervisor"
	"github.com/dualchain/ingestd/internal/xlog"
)

const shutdownGrace = 15 * time.Second

var logger = xlog.NewModuleLogger("main")

var configFlag = cli.StringFlag{
	Name:  "config",
	Usage: "path to the engine's TOML configuration file",
	Value: "ingestd.toml",
}

var verbosityFlag = cli.StringFlag{
	Name:  "verbosity",
	Usage: "log level: trace, debug, info, warn, error, crit",
	Value: "info",
}

func main() {
	app := cli.NewApp()
	app.Name = "ingestd"
	app.Usage = "dual-chain (Bitcoin/Solana) block and transaction ingestion engine"
	app.Flags = []cli.Flag{configFlag, verbosityFlag}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		logger.Crit("ingestd exited with error", "err", err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	if lvl, err := log15.LvlFromString(ctx.String(verbosityFlag.Name)); err == nil {
		xlog.SetLevel(lvl)
	}

	cfg, err := config.Load(ctx.String(configFlag.Name))
	if err != nil {
		return errors.Wrap(err, "load config")
	}

	db, err := storage.Open(cfg.StoreDSN)
	if err != nil {
		return errors.Wrap(err, "open analytics store")
	}
	defer db.Close()

	sk := sink.NewGormSink(db, cfg.SinkBatchSize, cfg.SinkMaxRetries, nil)
	store := cursor.NewGormStore(db)

	var events eventbus.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		kp, err := eventbus.NewKafkaPublisher(cfg.KafkaBrokers)
		if err != nil {
			logger.Warn("failed to start kafka publisher, continuing without commit events", "err", err)
		} else {
			events = kp
			defer kp.Close()
		}
	}

	sup := supervisor.New(cfg, sk, store, btcClientFactory(cfg), solClientFactory(), sizeFn(), events)

	if _, err := sup.Start(); err != nil {
		return errors.Wrap(err, "start collection run")
	}

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: controlplane.New(sup, nil)}
	go func() {
		logger.Info("control plane listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("control plane server stopped", "err", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	sup.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func btcClientFactory(cfg config.Config) supervisor.ClientFactory {
	return func(cc config.ChainConfig) (rpcclient.Client, error) {
		public := btcrest.New(cc.PublicRPCURL)
		if !cc.UseLocalNode {
			return public, nil
		}
		local, err := btcrpc.New(btcrpc.Config{
			Host: cc.LocalRPCURL,
			User: cc.LocalRPCUser,
			Pass: cc.LocalRPCPass,
		})
		if err != nil {
			return nil, fmt.Errorf("connect local bitcoin node: %w", err)
		}
		return router.New(local, public), nil
	}
}

func solClientFactory() supervisor.ClientFactory {
	return func(cc config.ChainConfig) (rpcclient.Client, error) {
		endpoint := cc.PublicRPCURL
		if cc.UseLocalNode && cc.LocalRPCURL != "" {
			endpoint = cc.LocalRPCURL
		}
		return solrpc.New(endpoint), nil
	}
}

// sizeFn reports the analytics store's size in GB for the size budget
// check. A real deployment would query the store's own information
// schema; lacking a fixed store backend to target here, the budget
// degrades to "never trips" rather than guessing.
func sizeFn() func() (float64, error) {
	return func() (float64, error) { return 0, nil }
}
