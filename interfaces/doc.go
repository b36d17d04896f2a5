// Package interfaces defines the core types and collaborator interfaces for
// a TEE cluster node, separating interface definitions from implementations.
//
// # Data Model
//
//   - KeyMaterial: ephemeral derived key pair returned by the key derivation service
//   - IdentityProof: the derived key -> app key -> KMS root signature chain
//   - TrustAnchor: the expected KMS root address
//   - LeaderState: the node's view of ledger-recorded leadership
//   - VoteIntent: a confidence or no-confidence signal about the current leader
//
// # Collaborators
//
// KeyDerivationClient: Derives deterministic keys inside the TEE and reports
// the enclave application identity (app id, instance id).
//
// AppSigner: Signs digests with the enclave application key shared by all
// instances of one application.
//
// KMSSigner: Counter-signs application public keys on behalf of the
// key-management root.
//
// LedgerGateway: Read and write calls against the cluster contract holding
// membership, leadership and votes.
package interfaces
