package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ruteri/tee-cluster-node/cmd/flags"
	"github.com/ruteri/tee-cluster-node/counter"
	"github.com/ruteri/tee-cluster-node/httpserver"
	"github.com/ruteri/tee-cluster-node/leader"
	"github.com/ruteri/tee-cluster-node/proof"
	"github.com/urfave/cli/v2"
)

var nodeFlags []cli.Flag = []cli.Flag{
	flags.RpcAddrFlag,
	flags.ContractFlag,
	flags.ChainIDFlag,
	flags.KMSRootFlag,
	&cli.StringFlag{
		Name:  "listen-addr",
		Value: "0.0.0.0:8080",
		Usage: "address to listen on for API",
	},
	&cli.StringSliceFlag{
		Name:  "peer",
		Usage: "peer health endpoint as address=url, repeatable",
	},
	&cli.StringFlag{
		Name:  "peer-srv-domain",
		Usage: "resolve peers through SRV records <address>.<domain>",
	},
	&cli.StringFlag{
		Name:  "dns-server",
		Value: leader.DefaultDNSServer,
		Usage: "DNS server for SRV peer lookups",
	},
	&cli.DurationFlag{
		Name:  "monitor-interval",
		Value: leader.DefaultInterval,
		Usage: "period between leader monitoring ticks",
	},
	&cli.DurationFlag{
		Name:  "probe-timeout",
		Value: leader.DefaultProbeTimeout,
		Usage: "timeout of a leader health probe",
	},
	&cli.DurationFlag{
		Name:  "heartbeat-interval",
		Value: leader.DefaultHeartbeatInterval,
		Usage: "period between local leader heartbeats",
	},
	flags.LogServiceFlagFn("cluster-node"),
}

func init() {
	nodeFlags = append(nodeFlags, flags.KeySourceFlags...)
	nodeFlags = append(nodeFlags, flags.LogFlags...)
	nodeFlags = append(nodeFlags, flags.ServerFlags...)
}

func main() {
	app := &cli.App{
		Name:   "cluster-node",
		Usage:  "Run a TEE cluster node with ledger-based leader election",
		Flags:  nodeFlags,
		Action: runNode,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runNode(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	anchor, err := flags.ParseTrustAnchor(cCtx)
	if err != nil {
		logger.Error("Invalid trust anchor", "err", err)
		return err
	}

	keySource, err := flags.SetupKeySource(cCtx, logger)
	if err != nil {
		logger.Error("Failed to set up key source", "err", err)
		return err
	}

	initCtx, cancelInit := context.WithTimeout(cCtx.Context, 30*time.Second)
	defer cancelInit()

	generator, err := proof.NewGenerator(initCtx, keySource.Keys, keySource.AppSigner, keySource.KMSSigner, logger)
	if err != nil {
		logger.Error("Key service unavailable", "err", err)
		return err
	}

	instanceID := cCtx.String(flags.InstanceIDFlag.Name)
	if instanceID == "" {
		instanceID = generator.InstanceID()
	}
	keyPath := flags.KeyPath(cCtx, instanceID)
	purpose := cCtx.String(flags.KeyPurposeFlag.Name)

	km, err := keySource.Keys.GetKey(initCtx, keyPath, purpose)
	if err != nil {
		logger.Error("Failed to derive instance key", "err", err, "keyPath", keyPath)
		return err
	}
	ledgerClient, err := flags.DialLedger(cCtx, logger, km.PrivateKey)
	km.Zero()
	if err != nil {
		logger.Error("Failed to set up ledger client", "err", err)
		return err
	}
	self := ledgerClient.Account()
	logger.Info("Instance wallet initialized", "address", self, "keyPath", keyPath, "purpose", purpose)

	serverCfg := flags.ConfigureServer(cCtx, logger, cCtx.String("listen-addr"))

	directory, err := setupPeerDirectory(cCtx)
	if err != nil {
		logger.Error("Invalid peer configuration", "err", err)
		return err
	}

	monitor, err := leader.NewMonitor(
		ledgerClient,
		leader.NewHTTPProber(directory, cCtx.Duration("probe-timeout")),
		leader.Config{
			Interval:          cCtx.Duration("monitor-interval"),
			HeartbeatInterval: cCtx.Duration("heartbeat-interval"),
		},
		leader.NewMetrics(serverCfg.Metrics),
		logger,
	)
	if err != nil {
		logger.Error("Failed to create leader monitor", "err", err)
		return err
	}

	handler := httpserver.NewHandler(httpserver.HandlerConfig{
		InstanceID: instanceID,
		Wallet: httpserver.WalletInfo{
			Type:     keySource.Type,
			Address:  self,
			KeyPath:  keyPath,
			Purpose:  purpose,
			Endpoint: keySource.Endpoint,
		},
		Anchor:  anchor,
		Leader:  monitor,
		Counter: counter.NewService(monitor, self),
		Ledger:  ledgerClient,
		Proofs:  generator,
		Log:     logger,
	})

	server, err := httpserver.New(serverCfg, handler)
	if err != nil {
		logger.Error("Failed to create server", "err", err)
		return err
	}
	server.RunInBackground()

	ctx, stop := signal.NotifyContext(cCtx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg, err := proof.PrepareRegistration(ctx, generator, ledgerClient, anchor, keyPath, purpose, logger)
	switch {
	case err != nil:
		logger.Error("Instance preparation failed", "err", err)
	case reg.NeedsFunding:
		logger.Warn("Instance waiting for NFT owner to fund address", "address", reg.Address)
	default:
		logger.Info("Instance is funded and ready for consensus participation", "address", reg.Address)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		monitor.Run(ctx)
	}()

	logger.Info("Node is running, press Ctrl+C to stop")
	<-ctx.Done()
	logger.Info("Shutdown signal received")

	wg.Wait()
	server.Shutdown()
	logger.Info("Node shutdown complete")
	return nil
}

func setupPeerDirectory(cCtx *cli.Context) (leader.PeerDirectory, error) {
	static, err := leader.ParseStaticPeers(cCtx.StringSlice("peer"))
	if err != nil {
		return nil, err
	}

	dirs, err := leader.NewPeerDirectory(static, cCtx.String("peer-srv-domain"), cCtx.String("dns-server"))
	if err != nil {
		return nil, fmt.Errorf("%w: set --peer or --peer-srv-domain", err)
	}
	return dirs, nil
}
