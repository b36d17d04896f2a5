/*
Package cryptoutils holds the byte layouts and secp256k1 primitives of the
identity proof chain.

The two signed messages are a fixed wire format shared with the on-chain
verifier:

	derived key message:  purpose || ":" || lowerhex(compressed derived public key)
	KMS issued message:   "dstack-kms-issued:" || appId (32 bytes, zero padded right) || compressed app public key

Both are hashed with keccak256 and signed as 65-byte recoverable signatures
(r || s || v). Recovery accepts v in {0, 1} and {27, 28}.
*/
package cryptoutils
