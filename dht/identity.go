package dht

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	"go.dedis.ch/kyber/v4"
	"go.dedis.ch/kyber/v4/suites"
)

var suite = suites.MustFind("Ed25519")

// loadIdentity derives the peer id from an ed25519 key. With a path the key
// is read from the file, or generated and written there on first use, which
// makes the id deterministic across restarts. Without a path a fresh key is
// generated every run.
func loadIdentity(path string) (string, error) {
	private := suite.Scalar()
	if path == "" {
		private.Pick(suite.RandomStream())
		return peerID(private), nil
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		raw, err := hex.DecodeString(string(data))
		if err != nil {
			return "", fmt.Errorf("identity file %s: %w", path, err)
		}
		if err := private.UnmarshalBinary(raw); err != nil {
			return "", fmt.Errorf("identity file %s: %w", path, err)
		}
	case os.IsNotExist(err):
		private.Pick(suite.RandomStream())
		raw, err := private.MarshalBinary()
		if err != nil {
			return "", err
		}
		if err := os.WriteFile(path, []byte(hex.EncodeToString(raw)), 0o600); err != nil {
			return "", fmt.Errorf("write identity file: %w", err)
		}
	default:
		return "", fmt.Errorf("read identity file: %w", err)
	}
	return peerID(private), nil
}

// peerID hashes the public key the private scalar generates.
func peerID(private kyber.Scalar) string {
	public := suite.Point().Mul(private, nil)
	raw, err := public.MarshalBinary()
	if err != nil {
		panic(err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:8])
}
