package ledger

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// ClusterABI is the subset of the cluster contract ABI used by the node.
const ClusterABI = `[
	{"type":"function","name":"currentLeader","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"totalActiveNodes","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"requiredVotes","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"getActiveInstances","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bytes32[]"}]},
	{"type":"function","name":"walletToTokenId","stateMutability":"view","inputs":[{"name":"wallet","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"castVote","stateMutability":"nonpayable","inputs":[{"name":"target","type":"address"},{"name":"noConfidence","type":"bool"}],"outputs":[]},
	{"type":"function","name":"electLeader","stateMutability":"nonpayable","inputs":[],"outputs":[]},
	{"type":"function","name":"updateClusterSize","stateMutability":"nonpayable","inputs":[],"outputs":[]},
	{"type":"function","name":"registerInstance","stateMutability":"nonpayable","inputs":[{"name":"instanceId","type":"bytes32"},{"name":"tokenId","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"registerInstanceWithProof","stateMutability":"nonpayable","inputs":[
		{"name":"instanceId","type":"bytes32"},
		{"name":"tokenId","type":"uint256"},
		{"name":"derivedPublicKey","type":"bytes"},
		{"name":"appPublicKey","type":"bytes"},
		{"name":"appSignature","type":"bytes"},
		{"name":"kmsSignature","type":"bytes"},
		{"name":"purpose","type":"string"},
		{"name":"appId","type":"bytes32"}
	],"outputs":[]}
]`

// ParsedClusterABI returns the parsed ClusterABI.
func ParsedClusterABI() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(ClusterABI))
}
