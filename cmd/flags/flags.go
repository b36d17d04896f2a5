package flags

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/google/uuid"
	nodecommon "github.com/ruteri/tee-cluster-node/common"
	"github.com/ruteri/tee-cluster-node/enclave"
	"github.com/ruteri/tee-cluster-node/httpserver"
	"github.com/ruteri/tee-cluster-node/interfaces"
	"github.com/ruteri/tee-cluster-node/kms"
	"github.com/ruteri/tee-cluster-node/ledger"
	"github.com/urfave/cli/v2"
)

func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logJSON := cCtx.Bool(LogJsonFlag.Name)
	logDebug := cCtx.Bool(LogDebugFlag.Name)
	logUID := cCtx.Bool(LogUidFlag.Name)
	logService := cCtx.String("log-service")

	logger := nodecommon.SetupLogger(&nodecommon.LoggingOpts{
		Debug:   logDebug,
		JSON:    logJSON,
		Service: logService,
		Version: nodecommon.Version,
	})

	if logUID {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

func ConfigureServer(cCtx *cli.Context, logger *slog.Logger, listenAddr string) *httpserver.HTTPServerConfig {
	metricsAddr := cCtx.String(MetricsAddrFlag.Name)
	enablePprof := cCtx.Bool(PprofFlag.Name)
	drainDuration := time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second

	return &httpserver.HTTPServerConfig{
		ListenAddr:               listenAddr,
		MetricsAddr:              metricsAddr,
		Metrics:                  httpserver.NewMetricsRegistry(),
		Log:                      logger,
		EnablePprof:              enablePprof,
		DrainDuration:            drainDuration,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}
}

// KeySource is the key derivation service plus optional explicit signers.
// Signers are nil for the dstack guest agent, which returns its own
// signature chain with every key.
type KeySource struct {
	Type      string
	Endpoint  string
	Keys      interfaces.KeyDerivationClient
	AppSigner interfaces.AppSigner
	KMSSigner interfaces.KMSSigner

	// KMS is set for the simulator only.
	KMS *kms.SimpleKMS
}

// SetupKeySource selects the simulator when --simulator-seed is set and the
// dstack guest agent otherwise.
func SetupKeySource(cCtx *cli.Context, logger *slog.Logger) (*KeySource, error) {
	seedHex := cCtx.String(SimulatorSeedFlag.Name)
	if seedHex == "" {
		endpoint := cCtx.String(DstackEndpointFlag.Name)
		logger.Info("Using dstack guest agent", "endpoint", endpoint)
		return &KeySource{
			Type:     "dstack",
			Endpoint: endpoint,
			Keys:     enclave.NewDstackClient(endpoint),
		}, nil
	}

	seed, err := hex.DecodeString(strings.TrimPrefix(seedHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid simulator-seed: %w", err)
	}
	simpleKMS, err := kms.NewSimpleKMS(seed)
	if err != nil {
		return nil, fmt.Errorf("invalid simulator-seed: %w", err)
	}

	appID, err := hex.DecodeString(strings.TrimPrefix(cCtx.String(SimulatorAppIDFlag.Name), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid simulator-app-id: %w", err)
	}

	instanceID := cCtx.String(InstanceIDFlag.Name)
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	sim, err := simpleKMS.Enclave(appID, instanceID, "simulator")
	if err != nil {
		return nil, err
	}

	logger.Info("Using simulated enclave", "kmsRoot", simpleKMS.RootAddress(), "instanceId", instanceID)
	return &KeySource{
		Type:      "simulator",
		Keys:      sim,
		AppSigner: sim,
		KMSSigner: simpleKMS,
		KMS:       simpleKMS,
	}, nil
}

// ParseTrustAnchor reads --kms-root.
func ParseTrustAnchor(cCtx *cli.Context) (interfaces.TrustAnchor, error) {
	root, err := interfaces.NewAddressFromHex(cCtx.String(KMSRootFlag.Name))
	if err != nil {
		return interfaces.TrustAnchor{}, fmt.Errorf("invalid kms-root: %w", err)
	}
	if root.IsZero() {
		return interfaces.TrustAnchor{}, fmt.Errorf("invalid kms-root: zero address")
	}
	return interfaces.TrustAnchor{RootAddress: root}, nil
}

// KeyPath returns --key-path or the per-instance default.
func KeyPath(cCtx *cli.Context, instanceID string) string {
	if path := cCtx.String(KeyPathFlag.Name); path != "" {
		return path
	}
	return "instance/" + instanceID
}

// DialLedger connects to --rpc-addr and binds the cluster contract at --contract.
// When key is not nil the client is able to send transactions signed with it.
func DialLedger(cCtx *cli.Context, logger *slog.Logger, key []byte) (*ledger.ClusterClient, error) {
	contractHex := cCtx.String(ContractFlag.Name)
	if !common.IsHexAddress(contractHex) {
		return nil, fmt.Errorf("invalid contract address %q", contractHex)
	}

	rpcAddress := cCtx.String(RpcAddrFlag.Name)
	logger.Info("Connecting to Ethereum RPC", "address", rpcAddress)
	ethClient, err := ethclient.Dial(rpcAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to dial RPC: %w", err)
	}

	client, err := ledger.NewClusterClient(ethClient, common.HexToAddress(contractHex))
	if err != nil {
		return nil, err
	}

	if key == nil {
		return client, nil
	}

	chainID := big.NewInt(cCtx.Int64(ChainIDFlag.Name))
	if chainID.Sign() == 0 {
		ctx, cancel := context.WithTimeout(cCtx.Context, ledger.DefaultCallTimeout)
		defer cancel()
		chainID, err = ethClient.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to query chain id: %w", err)
		}
	}

	priv, err := crypto.ToECDSA(key)
	if err != nil {
		return nil, fmt.Errorf("invalid transacting key: %w", err)
	}
	auth, err := bind.NewKeyedTransactorWithChainID(priv, chainID)
	if err != nil {
		return nil, err
	}
	client.SetTransactOpts(auth)

	logger.Info("Ledger client ready", "contract", client.Address(), "account", client.Account(), "chainId", chainID)
	return client, nil
}

var RpcAddrFlag = &cli.StringFlag{
	Name:    "rpc-addr",
	Value:   "http://127.0.0.1:8545",
	Usage:   "address to connect to RPC",
	EnvVars: []string{"RPC_ADDR"},
}

var ContractFlag = &cli.StringFlag{
	Name:     "contract",
	Required: true,
	Usage:    "cluster contract address",
	EnvVars:  []string{"CLUSTER_CONTRACT"},
}

var ChainIDFlag = &cli.Int64Flag{
	Name:  "chain-id",
	Usage: "chain id for signing transactions, queried from the RPC when unset",
}

var KMSRootFlag = &cli.StringFlag{
	Name:     "kms-root",
	Required: true,
	Usage:    "address of the key-management root that must sign application keys",
	EnvVars:  []string{"KMS_ROOT"},
}

var DstackEndpointFlag = &cli.StringFlag{
	Name:    "dstack-endpoint",
	Usage:   "dstack guest agent endpoint (socket path or http URL), SDK default when empty",
	EnvVars: []string{"DSTACK_SIMULATOR_ENDPOINT"},
}

var SimulatorSeedFlag = &cli.StringFlag{
	Name:  "simulator-seed",
	Usage: "hex-encoded 32-byte seed; derive keys locally instead of using the dstack guest agent",
}

var SimulatorAppIDFlag = &cli.StringFlag{
	Name:  "simulator-app-id",
	Value: "aabbccdd",
	Usage: "hex application id reported by the simulated enclave",
}

var InstanceIDFlag = &cli.StringFlag{
	Name:  "instance-id",
	Usage: "instance id, defaults to the id reported by the key service",
}

var KeyPathFlag = &cli.StringFlag{
	Name:  "key-path",
	Usage: "key derivation path of the instance key (default instance/<instance-id>)",
}

var KeyPurposeFlag = &cli.StringFlag{
	Name:  "key-purpose",
	Value: "ethereum",
	Usage: "key derivation purpose of the instance key",
}

var LogJsonFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}
var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}
var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}

var LogServiceFlagFn = func(service string) *cli.StringFlag {
	return &cli.StringFlag{
		Name:  "log-service",
		Value: service,
		Usage: "add 'service' tag to logs",
	}
}

var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:  "drain-seconds",
	Value: 45,
	Usage: "seconds to wait in drain HTTP request",
}
var MetricsAddrFlag = &cli.StringFlag{
	Name:  "metrics-addr",
	Value: "127.0.0.1:8090",
	Usage: "address to listen on for Prometheus metrics",
}

var LogFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
}

var ServerFlags = []cli.Flag{
	PprofFlag,
	DrainSecondsFlag,
	MetricsAddrFlag,
}

var KeySourceFlags = []cli.Flag{
	DstackEndpointFlag,
	SimulatorSeedFlag,
	SimulatorAppIDFlag,
	InstanceIDFlag,
	KeyPathFlag,
	KeyPurposeFlag,
}
