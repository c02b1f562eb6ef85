// Package transform implements the CloudTransformer extension point: a
// pure, deterministic encrypt/decrypt pair applied to a row's field
// projection before it leaves the device and after it arrives. The
// cryptographic primitives are ported from marcus-td's internal/crypto
// package (X25519 + HKDF-SHA256 + AES-256-GCM + Argon2id).
package transform

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"

	"github.com/datasync/engine/internal/syncmodel"
)

const (
	keyLen   = 32
	nonceLen = 12
	saltLen  = 32
	hkdfInfo = "dbsync-key-wrap"

	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

// cipherField is the sentinel key an AEADTransformer stores ciphertext
// under; the wire payload for an encrypted row is a single-field map so
// that unrelated code treating Fields as opaque JSON still round-trips it.
const cipherField = "__enc"

// Transformer is the CloudTransformer contract from spec §4.3. Both
// directions must be total and deterministic enough that
// Decrypt(Encrypt(x)) == x; failures classify as TransformFailure.
type Transformer interface {
	Encrypt(table string, key syncmodel.ObjectKey, data syncmodel.Fields) (syncmodel.Fields, error)
	Decrypt(table string, key syncmodel.ObjectKey, data syncmodel.Fields) (syncmodel.Fields, error)
}

// Identity is the default Transformer: both directions are the identity
// function.
type Identity struct{}

func (Identity) Encrypt(_ string, _ syncmodel.ObjectKey, data syncmodel.Fields) (syncmodel.Fields, error) {
	return data, nil
}

func (Identity) Decrypt(_ string, _ syncmodel.ObjectKey, data syncmodel.Fields) (syncmodel.Fields, error) {
	return data, nil
}

// AEADTransformer encrypts a row's JSON-marshaled field projection with
// AES-256-GCM under a single symmetric key shared across the account.
type AEADTransformer struct {
	key []byte
}

// NewAEADTransformer builds a transformer from a raw 32-byte key, typically
// produced by GenerateDEK, DeriveKeyFromPassphrase, or UnwrapKey.
func NewAEADTransformer(key []byte) (*AEADTransformer, error) {
	if len(key) != keyLen {
		return nil, fmt.Errorf("transform: key must be %d bytes", keyLen)
	}
	cp := make([]byte, keyLen)
	copy(cp, key)
	return &AEADTransformer{key: cp}, nil
}

func (t *AEADTransformer) Encrypt(_ string, _ syncmodel.ObjectKey, data syncmodel.Fields) (syncmodel.Fields, error) {
	if data == nil {
		return nil, nil // tombstones pass through untransformed
	}
	plain, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("transform: marshal fields: %w", err)
	}
	ct, err := seal(t.key, plain)
	if err != nil {
		return nil, fmt.Errorf("transform: encrypt: %w", err)
	}
	return syncmodel.Fields{cipherField: base64.StdEncoding.EncodeToString(ct)}, nil
}

func (t *AEADTransformer) Decrypt(_ string, _ syncmodel.ObjectKey, data syncmodel.Fields) (syncmodel.Fields, error) {
	if data == nil {
		return nil, nil
	}
	enc, ok := data[cipherField]
	if !ok {
		return nil, errors.New("transform: missing ciphertext field")
	}
	b64, ok := enc.(string)
	if !ok {
		return nil, errors.New("transform: ciphertext field is not a string")
	}
	ct, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("transform: decode ciphertext: %w", err)
	}
	plain, err := open(t.key, ct)
	if err != nil {
		return nil, fmt.Errorf("transform: decrypt: %w", err)
	}
	var fields syncmodel.Fields
	if err := json.Unmarshal(plain, &fields); err != nil {
		return nil, fmt.Errorf("transform: unmarshal fields: %w", err)
	}
	return fields, nil
}

// seal encrypts plaintext with AES-256-GCM, returning nonce||ciphertext.
func seal(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	nonce := make([]byte, nonceLen)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("random nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// open decrypts ciphertext produced by seal.
func open(key, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < nonceLen {
		return nil, errors.New("ciphertext too short")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	nonce, ct := ciphertext[:nonceLen], ciphertext[nonceLen:]
	return gcm.Open(nil, nonce, ct, nil)
}

// GenerateDEK returns a fresh random 256-bit data encryption key.
func GenerateDEK() ([]byte, error) {
	dek := make([]byte, keyLen)
	if _, err := io.ReadFull(rand.Reader, dek); err != nil {
		return nil, fmt.Errorf("random dek: %w", err)
	}
	return dek, nil
}

// DeriveKeyFromPassphrase derives a 256-bit key from a passphrase via
// Argon2id, returning the key and the random salt used.
func DeriveKeyFromPassphrase(passphrase string) (key, salt []byte, err error) {
	salt = make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, nil, fmt.Errorf("random salt: %w", err)
	}
	key = argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, keyLen)
	return key, salt, nil
}

// DeriveKeyFromPassphraseWithSalt re-derives a key from a known salt, for
// restoring access to an existing account on a new device.
func DeriveKeyFromPassphraseWithSalt(passphrase string, salt []byte) ([]byte, error) {
	if len(salt) != saltLen {
		return nil, fmt.Errorf("salt must be %d bytes", saltLen)
	}
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, keyLen), nil
}

// GenerateKeyPair generates an X25519 keypair, used to wrap a DEK for a new
// device joining the account without ever sending the passphrase or DEK in
// the clear.
func GenerateKeyPair() (*ecdh.PrivateKey, *ecdh.PublicKey, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate x25519 key: %w", err)
	}
	return priv, priv.PublicKey(), nil
}

func deriveSharedKey(priv *ecdh.PrivateKey, pub *ecdh.PublicKey) ([]byte, error) {
	secret, err := priv.ECDH(pub)
	if err != nil {
		return nil, fmt.Errorf("ecdh: %w", err)
	}
	r := hkdf.New(sha256.New, secret, nil, []byte(hkdfInfo))
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	return key, nil
}

// WrapKey wraps dek for recipientPub using an ECDH shared secret derived
// between senderPriv and recipientPub.
func WrapKey(senderPriv *ecdh.PrivateKey, recipientPub *ecdh.PublicKey, dek []byte) ([]byte, error) {
	aesKey, err := deriveSharedKey(senderPriv, recipientPub)
	if err != nil {
		return nil, fmt.Errorf("derive wrap key: %w", err)
	}
	return seal(aesKey, dek)
}

// UnwrapKey reverses WrapKey.
func UnwrapKey(recipientPriv *ecdh.PrivateKey, senderPub *ecdh.PublicKey, wrapped []byte) ([]byte, error) {
	aesKey, err := deriveSharedKey(recipientPriv, senderPub)
	if err != nil {
		return nil, fmt.Errorf("derive unwrap key: %w", err)
	}
	return open(aesKey, wrapped)
}
