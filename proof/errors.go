package proof

import "errors"

var (
	// ErrKeyServiceUnavailable is returned when the key derivation service
	// cannot produce key material or application info.
	ErrKeyServiceUnavailable = errors.New("key service unavailable")

	// ErrSigningFailed is returned when either link of the chain cannot be signed.
	ErrSigningFailed = errors.New("signing failed")

	ErrAppSignatureInvalid = errors.New("app signature invalid")
	ErrKmsSignatureInvalid = errors.New("kms signature invalid")
	ErrRootMismatch        = errors.New("kms signer does not match trust anchor")
	ErrAppKeyMismatch      = errors.New("app public key does not match app signature")
	ErrMalformedProof      = errors.New("malformed proof")
)
