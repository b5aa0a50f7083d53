package cryptowire

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"

	"golang.org/x/crypto/sha3"
	"lukechampine.com/frand"
)

const (
	rsaKeyBits  = 2048
	aesKeySize  = 32 // AES-256
	aesIVSize   = 16
	aesBlockLen = 16
)

// sessionKey is the per-connection AES-256 key and IV installed by the
// handshake and used for every application message thereafter.
type sessionKey struct {
	Key [aesKeySize]byte
	IV  [aesIVSize]byte
}

// generateSessionKey produces a fresh random AES-256 key and IV using a
// cryptographically secure RNG.
func generateSessionKey() (sessionKey, error) {
	var sk sessionKey
	if _, err := frand.Read(sk.Key[:]); err != nil {
		return sk, newError(CodeOpensslError, fmt.Errorf("generate session key: %w", err))
	}
	if _, err := frand.Read(sk.IV[:]); err != nil {
		return sk, newError(CodeOpensslError, fmt.Errorf("generate session iv: %w", err))
	}
	return sk, nil
}

// generateRSAKeyPair creates a fresh RSA-2048 keypair, generated only at
// handshake time.
func generateRSAKeyPair() (*rsa.PrivateKey, error) {
	priv, err := rsa.GenerateKey(frand.Reader, rsaKeyBits)
	if err != nil {
		return nil, newError(CodeOpensslError, fmt.Errorf("generate rsa key: %w", err))
	}
	return priv, nil
}

// marshalPublicKeyPEM PEM-encodes an RSA public key for transmission
// during the handshake.
func marshalPublicKeyPEM(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, newError(CodeOpensslError, fmt.Errorf("marshal public key: %w", err))
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	return pem.EncodeToMemory(block), nil
}

// parsePublicKeyPEM decodes a PEM-encoded RSA public key received over
// the wire.
func parsePublicKeyPEM(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, newError(CodeKeyExchangeFailure, errors.New("no PEM block in public key"))
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, newError(CodeOpensslError, fmt.Errorf("parse public key: %w", err))
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, newError(CodeKeyExchangeFailure, errors.New("public key is not RSA"))
	}
	return rsaPub, nil
}

// addSizePadding prepends a 1- or 2-byte marker so that the resulting
// length is never a multiple of aesBlockLen: prepend a single 0 byte
// unless that would still land on a block boundary, in which case
// prepend 1, 255 instead. encryptPayload applies it to the AES-CBC
// ciphertext. This is an anti-collision layer on ciphertext size, not a
// cryptographic padding scheme.
func addSizePadding(b []byte) []byte {
	if (len(b)+1)%aesBlockLen != 0 {
		out := make([]byte, 0, len(b)+1)
		out = append(out, 0)
		return append(out, b...)
	}
	out := make([]byte, 0, len(b)+2)
	out = append(out, 1, 255)
	return append(out, b...)
}

// stripSizePadding reverses addSizePadding by inspecting the marker byte.
func stripSizePadding(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, newError(CodeOpensslError, errors.New("empty buffer has no size-padding marker"))
	}
	switch b[0] {
	case 0:
		return b[1:], nil
	case 1:
		if len(b) < 2 {
			return nil, newError(CodeOpensslError, errors.New("truncated two-byte size-padding marker"))
		}
		return b[2:], nil
	default:
		return nil, newError(CodeOpensslError, fmt.Errorf("unrecognized size-padding marker byte %d", b[0]))
	}
}

func pkcs7Pad(b []byte) []byte {
	padLen := aesBlockLen - (len(b) % aesBlockLen)
	out := make([]byte, len(b)+padLen)
	copy(out, b)
	for i := len(b); i < len(out); i++ {
		out[i] = byte(padLen)
	}
	return out
}

func pkcs7Unpad(b []byte) ([]byte, error) {
	if len(b) == 0 || len(b)%aesBlockLen != 0 {
		return nil, newError(CodeOpensslError, errors.New("ciphertext is not a multiple of the block size"))
	}
	padLen := int(b[len(b)-1])
	if padLen == 0 || padLen > aesBlockLen || padLen > len(b) {
		return nil, newError(CodeOpensslError, errors.New("invalid pkcs7 padding"))
	}
	for _, p := range b[len(b)-padLen:] {
		if int(p) != padLen {
			return nil, newError(CodeOpensslError, errors.New("invalid pkcs7 padding"))
		}
	}
	return b[:len(b)-padLen], nil
}

// encryptAES PKCS#7 pads plaintext and AES-256-CBC encrypts it under
// key/iv. Its output length is always a multiple of aesBlockLen; see
// encryptPayload for the size padding that keeps transport messages off
// a block boundary.
func encryptAES(plaintext []byte, key, iv []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, newError(CodeOpensslError, fmt.Errorf("new cipher: %w", err))
	}
	if len(iv) != block.BlockSize() {
		return nil, newError(CodeOpensslError, fmt.Errorf("bad iv length %d", len(iv)))
	}
	padded := pkcs7Pad(plaintext)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)
	return ciphertext, nil
}

func decryptAES(ciphertext []byte, key, iv []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, newError(CodeOpensslError, fmt.Errorf("new cipher: %w", err))
	}
	if len(ciphertext) == 0 || len(ciphertext)%block.BlockSize() != 0 {
		return nil, newError(CodeOpensslError, errors.New("ciphertext is not a multiple of the block size"))
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)
	return pkcs7Unpad(plaintext)
}

// encryptPayload is the full per-message transport encryption:
// AES-256-CBC under the session key, then size-disambiguating padding on
// the ciphertext. The resulting ciphertext length is guaranteed to not
// be a multiple of aesBlockLen.
func encryptPayload(plaintext []byte, sk sessionKey) ([]byte, error) {
	ciphertext, err := encryptAES(plaintext, sk.Key[:], sk.IV[:])
	if err != nil {
		return nil, err
	}
	return addSizePadding(ciphertext), nil
}

// decryptPayload reverses encryptPayload.
func decryptPayload(ciphertext []byte, sk sessionKey) ([]byte, error) {
	unpadded, err := stripSizePadding(ciphertext)
	if err != nil {
		return nil, err
	}
	return decryptAES(unpadded, sk.Key[:], sk.IV[:])
}

// wrapSessionKey implements the envelope-encryption scheme used to hand
// the session key to a newly connected client: a throwaway AES key+IV
// encrypts the session key material, and the throwaway key is itself
// RSA-OAEP encrypted under the recipient's public key. Wire layout:
// encode(len(rsaEncryptedKey)) ‖ rsaEncryptedKey ‖ iv ‖ ciphertext.
func wrapSessionKey(pub *rsa.PublicKey, sk sessionKey) ([]byte, error) {
	wrapKey := make([]byte, aesKeySize)
	if _, err := frand.Read(wrapKey); err != nil {
		return nil, newError(CodeOpensslError, fmt.Errorf("generate wrap key: %w", err))
	}
	iv := make([]byte, aesIVSize)
	if _, err := frand.Read(iv); err != nil {
		return nil, newError(CodeOpensslError, fmt.Errorf("generate wrap iv: %w", err))
	}

	payload := make([]byte, 0, aesKeySize+aesIVSize)
	payload = append(payload, sk.Key[:]...)
	payload = append(payload, sk.IV[:]...)

	ciphertext, err := encryptAES(payload, wrapKey, iv)
	if err != nil {
		return nil, err
	}

	rsaEncryptedKey, err := rsa.EncryptOAEP(sha256.New(), frand.Reader, pub, wrapKey, nil)
	if err != nil {
		return nil, newError(CodeOpensslError, fmt.Errorf("rsa encrypt wrap key: %w", err))
	}

	lenPrefix, err := EncodeLength(uint64(len(rsaEncryptedKey)))
	if err != nil {
		return nil, newError(CodeOpensslError, err)
	}

	out := make([]byte, 0, lengthSize+len(rsaEncryptedKey)+aesIVSize+len(ciphertext))
	out = append(out, lenPrefix[:]...)
	out = append(out, rsaEncryptedKey...)
	out = append(out, iv...)
	out = append(out, ciphertext...)
	return out, nil
}

// unwrapSessionKey reverses wrapSessionKey.
func unwrapSessionKey(priv *rsa.PrivateKey, wrapped []byte) (sessionKey, error) {
	var sk sessionKey
	if len(wrapped) < lengthSize {
		return sk, newError(CodeKeyExchangeFailure, errors.New("wrapped session key too short"))
	}
	var lenPrefix [lengthSize]byte
	copy(lenPrefix[:], wrapped[:lengthSize])
	rsaKeyLen := DecodeLength(lenPrefix)
	rest := wrapped[lengthSize:]
	if uint64(len(rest)) < rsaKeyLen+aesIVSize {
		return sk, newError(CodeKeyExchangeFailure, errors.New("wrapped session key truncated"))
	}

	rsaEncryptedKey := rest[:rsaKeyLen]
	iv := rest[rsaKeyLen : rsaKeyLen+aesIVSize]
	ciphertext := rest[rsaKeyLen+aesIVSize:]

	wrapKey, err := rsa.DecryptOAEP(sha256.New(), frand.Reader, priv, rsaEncryptedKey, nil)
	if err != nil {
		return sk, newError(CodeKeyExchangeFailure, fmt.Errorf("rsa decrypt wrap key: %w", err))
	}

	payload, err := decryptAES(ciphertext, wrapKey, iv)
	if err != nil {
		return sk, err
	}
	if len(payload) != aesKeySize+aesIVSize {
		return sk, newError(CodeKeyExchangeFailure, errors.New("unwrapped session payload has the wrong length"))
	}
	copy(sk.Key[:], payload[:aesKeySize])
	copy(sk.IV[:], payload[aesKeySize:])
	return sk, nil
}

// fingerprint returns a short hex digest of a PEM-encoded public key,
// suitable only for log lines — it never appears in protocol bytes.
func fingerprint(pubPEM []byte) string {
	d := sha3.NewLegacyKeccak256()
	d.Write(pubPEM)
	sum := d.Sum(nil)
	return hex.EncodeToString(sum[:8])
}
