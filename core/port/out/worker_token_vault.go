package out

import "context"

// TokenVault encrypts provider credentials at rest. Decrypt failures surface
// as a corruption sentinel, except a closed vault which is transient.
type TokenVault interface {
	Encrypt(ctx context.Context, plaintext string) (string, error)
	Decrypt(ctx context.Context, ciphertext string) (string, error)
}
