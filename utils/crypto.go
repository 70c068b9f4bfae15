package utils

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// RecoverAddressFromSignature recovers the signer address from a 65-byte
// recoverable signature over hash. Both recovery-id conventions (0/1 and
// 27/28) are accepted.
func RecoverAddressFromSignature(hash []byte, signature string) (common.Address, error) {
	signature = strings.TrimPrefix(signature, "0x")

	sigBytes, err := hex.DecodeString(signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to decode signature: %w", err)
	}
	if len(sigBytes) != 65 {
		return common.Address{}, fmt.Errorf("signature must be 65 bytes, got %d", len(sigBytes))
	}

	if sigBytes[64] >= 27 {
		sigBytes[64] -= 27
	}

	pubKey, err := crypto.SigToPub(hash, sigBytes)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pubKey), nil
}

// PrivateKeyFromHex creates a private key from a hex string, with or without
// the 0x prefix.
func PrivateKeyFromHex(hexKey string) (*ecdsa.PrivateKey, error) {
	return crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
}

// AddressFromPrivateKey derives the address for a private key.
func AddressFromPrivateKey(privateKey *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(privateKey.PublicKey)
}

// ValidateAddress checks if a string is a valid hex address.
func ValidateAddress(address string) bool {
	return common.IsHexAddress(address)
}

// NormalizeAddress returns the checksummed form of an address, or "" if the
// input is not an address.
func NormalizeAddress(address string) string {
	if !common.IsHexAddress(address) {
		return ""
	}
	return common.HexToAddress(address).Hex()
}
