// Package enclave adapts the dstack guest agent to the node's key
// derivation interface.
package enclave

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	dstacksdk "github.com/Dstack-TEE/dstack/sdk/go/dstack"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/tee-cluster-node/interfaces"
)

// KeyAlgorithm is the key type requested from the guest agent.
const KeyAlgorithm = "secp256k1"

// DstackClient implements interfaces.KeyDerivationClient on top of the
// dstack guest agent socket.
type DstackClient struct {
	client *dstacksdk.DstackClient
}

// NewDstackClient connects to endpoint, or to the SDK default socket when empty.
func NewDstackClient(endpoint string) *DstackClient {
	opts := []dstacksdk.DstackClientOption{}
	if endpoint != "" {
		opts = append(opts, dstacksdk.WithEndpoint(endpoint))
	}
	return &DstackClient{client: dstacksdk.NewDstackClient(opts...)}
}

// Info returns the application id and instance id of this CVM.
func (c *DstackClient) Info(ctx context.Context) (*interfaces.AppInfo, error) {
	info, err := c.client.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("dstack info: %w", err)
	}

	appID, err := hex.DecodeString(strings.TrimPrefix(info.AppID, "0x"))
	if err != nil {
		return nil, fmt.Errorf("dstack info: invalid app id %q: %w", info.AppID, err)
	}

	return &interfaces.AppInfo{
		AppID:      appID,
		InstanceID: info.InstanceID,
		AppName:    info.AppName,
	}, nil
}

// GetKey derives a secp256k1 key and returns it with the guest agent's
// signature chain.
func (c *DstackClient) GetKey(ctx context.Context, path string, purpose string) (*interfaces.KeyMaterial, error) {
	resp, err := c.client.GetKey(ctx, path, purpose, KeyAlgorithm)
	if err != nil {
		return nil, fmt.Errorf("dstack get key: %w", err)
	}

	raw, err := resp.DecodeKey()
	if err != nil {
		return nil, fmt.Errorf("dstack get key: decode key: %w", err)
	}
	if len(raw) < 32 {
		return nil, fmt.Errorf("dstack get key: key is %d bytes", len(raw))
	}

	priv, err := crypto.ToECDSA(raw[:32])
	if err != nil {
		return nil, fmt.Errorf("dstack get key: %w", err)
	}

	chain, err := resp.DecodeSignatureChain()
	if err != nil {
		return nil, fmt.Errorf("dstack get key: decode signature chain: %w", err)
	}

	return &interfaces.KeyMaterial{
		PrivateKey:     crypto.FromECDSA(priv),
		PublicKey:      crypto.CompressPubkey(&priv.PublicKey),
		Path:           path,
		Purpose:        purpose,
		SignatureChain: chain,
	}, nil
}
