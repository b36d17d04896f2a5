// Package proof builds and verifies the identity proof chain that ties a
// TEE-derived key to the key-management root:
//
//	derived key --(app signature)--> enclave app key --(kms signature)--> KMS root
//
// The preimages are a fixed wire format shared with the cluster contract:
//
//	appSignature = sign(appKey, keccak256(purpose || ":" || lowerhex(derivedPublicKey)))
//	kmsSignature = sign(kmsRoot, keccak256("dstack-kms-issued:" || appID[32] || appPublicKey))
//
// Public keys are compressed secp256k1 points and appID is right-padded with
// zero bytes to 32 bytes. Verification is a pure function of the proof and
// the trust anchor, so it can run before submission and be re-derived by
// anyone holding the proof.
package proof
