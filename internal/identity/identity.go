// Package identity holds the validator's signing key and produces the
// signed credentials attached to every feed request.
package identity

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrMissingKey       = errors.New("identity: private key is required")
	ErrInvalidKey       = errors.New("identity: invalid private key")
	ErrInvalidSignature = errors.New("identity: invalid signature")
)

// Credentials are the query parameters that authenticate a feed request.
type Credentials struct {
	UserID    string
	PubKey    string
	Timestamp int64
	Signature string
}

// Signer signs request messages with a secp256k1 key.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
	pubKey  string
}

// NewSigner parses a hex private key, with or without a 0x prefix.
func NewSigner(privateKeyHex string) (*Signer, error) {
	privateKeyHex = strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")
	if privateKeyHex == "" {
		return nil, ErrMissingKey
	}
	key, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return fromKey(key), nil
}

// Generate creates a signer with a fresh random key.
func Generate() (*Signer, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("identity: generate key: %w", err)
	}
	return fromKey(key), nil
}

func fromKey(key *ecdsa.PrivateKey) *Signer {
	return &Signer{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		pubKey:  hexutil.Encode(crypto.CompressPubkey(&key.PublicKey))[2:],
	}
}

// Address is the validator's identifier, lowercase hex with 0x prefix.
func (s *Signer) Address() string {
	return strings.ToLower(s.address.Hex())
}

// PublicKey is the compressed public key, hex without prefix.
func (s *Signer) PublicKey() string {
	return s.pubKey
}

// Message is the string signed for a request: address, public key and
// unix timestamp concatenated.
func (s *Signer) Message(timestamp int64) []byte {
	return []byte(s.Address() + s.pubKey + strconv.FormatInt(timestamp, 10))
}

// Sign returns the hex signature (without prefix) of keccak256(msg).
func (s *Signer) Sign(msg []byte) (string, error) {
	sig, err := crypto.Sign(crypto.Keccak256(msg), s.key)
	if err != nil {
		return "", fmt.Errorf("identity: sign: %w", err)
	}
	return common.Bytes2Hex(sig), nil
}

// Credentials signs the request message for timestamp.
func (s *Signer) Credentials(timestamp int64) (Credentials, error) {
	sig, err := s.Sign(s.Message(timestamp))
	if err != nil {
		return Credentials{}, err
	}
	return Credentials{
		UserID:    s.Address(),
		PubKey:    s.pubKey,
		Timestamp: timestamp,
		Signature: sig,
	}, nil
}

// Verify checks a signature produced by Sign against a hex public key.
func Verify(pubKeyHex string, msg []byte, sigHex string) error {
	pub := common.FromHex(pubKeyHex)
	sig := common.FromHex(sigHex)
	if len(sig) != crypto.SignatureLength {
		return fmt.Errorf("%w: length %d", ErrInvalidSignature, len(sig))
	}
	if !crypto.VerifySignature(pub, crypto.Keccak256(msg), sig[:crypto.RecoveryIDOffset]) {
		return ErrInvalidSignature
	}
	return nil
}
