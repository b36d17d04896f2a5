package main

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/tee-cluster-node/cmd/flags"
	"github.com/ruteri/tee-cluster-node/interfaces"
	"github.com/ruteri/tee-cluster-node/ledger"
	"github.com/ruteri/tee-cluster-node/proof"
	"github.com/urfave/cli/v2"
)

var proofFileFlag = &cli.StringFlag{
	Name:  "proof",
	Value: "-",
	Usage: "identity proof JSON file, - for stdin",
}

var ownerKeyFlag = &cli.StringFlag{
	Name:     "owner-key",
	Required: true,
	Usage:    "hex private key of the NFT owner account sending the transaction",
	EnvVars:  []string{"OWNER_KEY"},
}

var ledgerFlags = []cli.Flag{
	flags.RpcAddrFlag,
	flags.ContractFlag,
	flags.ChainIDFlag,
	ownerKeyFlag,
}

func main() {
	app := &cli.App{
		Name:  "proofctl",
		Usage: "Generate, verify and register TEE instance identity proofs",
		Flags: append(append([]cli.Flag{}, flags.LogFlags...), flags.LogServiceFlagFn("proofctl")),
		Commands: []*cli.Command{
			{
				Name:   "generate",
				Usage:  "Generate an identity proof for the instance key",
				Flags:  flags.KeySourceFlags,
				Action: generateProof,
			},
			{
				Name:   "verify",
				Usage:  "Verify an identity proof against a key-management root",
				Flags:  []cli.Flag{proofFileFlag, flags.KMSRootFlag},
				Action: verifyProof,
			},
			{
				Name:  "register",
				Usage: "Register an instance with its identity proof (sent by the NFT owner)",
				Flags: append([]cli.Flag{
					proofFileFlag,
					&cli.StringFlag{
						Name:  "token-id",
						Usage: "membership NFT token id, looked up from the owner wallet when unset",
					},
				}, ledgerFlags...),
				Action: registerInstance,
			},
			{
				Name:   "elect",
				Usage:  "Ask the contract to run leader election",
				Flags:  ledgerFlags,
				Action: electLeader,
			},
			{
				Name:   "update-size",
				Usage:  "Ask the contract to recount active nodes",
				Flags:  ledgerFlags,
				Action: updateClusterSize,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

type generateOutput struct {
	Proof           *interfaces.IdentityProof `json:"proof"`
	InstanceAddress interfaces.Address        `json:"instance_address"`
	InstanceID      interfaces.HexBytes       `json:"instance_id_bytes32"`
	KMSRoot         *interfaces.Address       `json:"kms_root,omitempty"`
}

func generateProof(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	keySource, err := flags.SetupKeySource(cCtx, logger)
	if err != nil {
		return err
	}

	generator, err := proof.NewGenerator(cCtx.Context, keySource.Keys, keySource.AppSigner, keySource.KMSSigner, logger)
	if err != nil {
		return err
	}

	instanceID := cCtx.String(flags.InstanceIDFlag.Name)
	if instanceID == "" {
		instanceID = generator.InstanceID()
	}

	p, err := generator.GenerateProof(cCtx.Context, flags.KeyPath(cCtx, instanceID), cCtx.String(flags.KeyPurposeFlag.Name))
	if err != nil {
		return err
	}

	derived, err := crypto.DecompressPubkey(p.DerivedPublicKey)
	if err != nil {
		return err
	}

	idBytes := proof.InstanceIDBytes32(instanceID)
	out := generateOutput{
		Proof:           p,
		InstanceAddress: interfaces.Address(crypto.PubkeyToAddress(*derived)),
		InstanceID:      idBytes[:],
	}
	if keySource.KMS != nil {
		root := keySource.KMS.RootAddress()
		out.KMSRoot = &root
	}
	return printJSON(out)
}

func verifyProof(cCtx *cli.Context) error {
	p, err := readProof(cCtx.String(proofFileFlag.Name))
	if err != nil {
		return err
	}

	anchor, err := flags.ParseTrustAnchor(cCtx)
	if err != nil {
		return err
	}

	chain, recoverErr := proof.Recover(p)
	verifyErr := proof.Verify(p, anchor)

	out := map[string]any{"valid": verifyErr == nil}
	if recoverErr == nil {
		out["app_public_key"] = hex.EncodeToString(chain.AppPublicKey)
		out["kms_signer"] = chain.KMSSigner
	}
	if verifyErr != nil {
		out["error"] = verifyErr.Error()
	}
	if err := printJSON(out); err != nil {
		return err
	}
	if verifyErr != nil {
		return cli.Exit("proof is not valid", 1)
	}
	return nil
}

func registerInstance(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	p, err := readProof(cCtx.String(proofFileFlag.Name))
	if err != nil {
		return err
	}

	client, err := dialOwner(cCtx)
	if err != nil {
		return err
	}

	tokenID, err := resolveTokenID(cCtx, client)
	if err != nil {
		return err
	}

	instanceID := proof.InstanceIDBytes32(p.InstanceID)
	logger.Info("Registering instance", "instanceId", interfaces.HexBytes(instanceID[:]), "tokenId", tokenID)

	tx, err := client.RegisterInstanceWithProof(cCtx.Context, instanceID, tokenID, p)
	return reportTx(tx, err)
}

func electLeader(cCtx *cli.Context) error {
	client, err := dialOwner(cCtx)
	if err != nil {
		return err
	}
	tx, err := client.ElectLeader(cCtx.Context)
	return reportTx(tx, err)
}

func updateClusterSize(cCtx *cli.Context) error {
	client, err := dialOwner(cCtx)
	if err != nil {
		return err
	}
	tx, err := client.UpdateClusterSize(cCtx.Context)
	return reportTx(tx, err)
}

func dialOwner(cCtx *cli.Context) (*ledger.ClusterClient, error) {
	key, err := hex.DecodeString(strings.TrimPrefix(cCtx.String(ownerKeyFlag.Name), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid owner-key: %w", err)
	}
	return flags.DialLedger(cCtx, flags.SetupLogger(cCtx), key)
}

func resolveTokenID(cCtx *cli.Context, client *ledger.ClusterClient) (*big.Int, error) {
	if s := cCtx.String("token-id"); s != "" {
		tokenID, ok := new(big.Int).SetString(s, 0)
		if !ok {
			return nil, fmt.Errorf("invalid token-id %q", s)
		}
		return tokenID, nil
	}

	tokenID, err := client.WalletToTokenID(cCtx.Context, client.Account())
	if err != nil {
		return nil, err
	}
	if tokenID.Sign() == 0 {
		return nil, errors.New("owner wallet holds no membership NFT")
	}
	return tokenID, nil
}

func reportTx(tx *types.Transaction, err error) error {
	if err != nil {
		return err
	}
	return printJSON(map[string]string{"tx": tx.Hash().Hex()})
}

func readProof(path string) (*interfaces.IdentityProof, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}

	// Accept the bare proof as well as generate's output.
	var wrapped generateOutput
	if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.Proof != nil {
		return wrapped.Proof, nil
	}

	var p interfaces.IdentityProof
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("invalid proof: %w", err)
	}
	return &p, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
