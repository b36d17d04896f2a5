// Package kms provides a deterministic key-management root for local
// clusters and tests.
//
// SimpleKMS derives its root key and one application key per app id from a
// master key using HKDF-SHA256, and counter-signs application public keys:
//
//	kmsSignature = sign(root, keccak256("dstack-kms-issued:" || appID[32] || appPublicKey))
//
// SimulatedEnclave plays the TEE key derivation service for one instance:
// it derives keys per (path, purpose) from the application key and returns
// them with the [appSignature, kmsSignature] chain, matching what the dstack
// guest agent hands out. It also implements interfaces.AppSigner.
//
// # Usage Example
//
//	simpleKMS, err := kms.NewSimpleKMS(masterKey)
//	if err != nil {
//	    log.Fatalf("Failed to create KMS: %v", err)
//	}
//	enclave, err := simpleKMS.Enclave(appID, "instance-1", "counter")
//	gen, err := proof.NewGenerator(ctx, enclave, enclave, simpleKMS, logger)
//	p, err := gen.GenerateProof(ctx, "instance/instance-1", "ethereum")
//	err = proof.Verify(p, simpleKMS.TrustAnchor())
package kms
