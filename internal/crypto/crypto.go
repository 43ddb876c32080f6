// Package crypto implements the payload encryption, signing, and identifier
// derivation primitives used by the Connected Services wire protocol. All
// functions are stateless; session key management lives in connector/cloud.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// AppPackageID is the application identifier the backend expects in key
	// derivation and request headers.
	AppPackageID = "com.interrait.mymazda"

	// signatureMD5 is a fixed constant mixed into the app-code key derivation.
	signatureMD5 = "C383D8C4D279B78130AD52DC71D95CAA"
)

var ErrInvalidCiphertext = errors.New("invalid ciphertext")

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padding)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padding)
	}
	return padded
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, ErrInvalidCiphertext
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > blockSize || padding > len(data) {
		return nil, ErrInvalidCiphertext
	}
	for _, b := range data[len(data)-padding:] {
		if int(b) != padding {
			return nil, ErrInvalidCiphertext
		}
	}
	return data[:len(data)-padding], nil
}

// EncryptAES128CBC encrypts plaintext with AES-128-CBC under the ASCII key
// and IV strings used by the protocol, returning base64 text.
func EncryptAES128CBC(plaintext []byte, key, iv string) (string, error) {
	block, err := aes.NewCipher([]byte(key))
	if err != nil {
		return "", err
	}
	if len(iv) != block.BlockSize() {
		return "", fmt.Errorf("iv must be %d bytes", block.BlockSize())
	}
	padded := pkcs7Pad(plaintext, block.BlockSize())
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, []byte(iv)).CryptBlocks(out, padded)
	return base64.StdEncoding.EncodeToString(out), nil
}

// DecryptAES128CBC reverses EncryptAES128CBC.
func DecryptAES128CBC(encoded, key, iv string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCiphertext, err)
	}
	block, err := aes.NewCipher([]byte(key))
	if err != nil {
		return nil, err
	}
	if len(iv) != block.BlockSize() || len(raw)%block.BlockSize() != 0 {
		return nil, ErrInvalidCiphertext
	}
	out := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, []byte(iv)).CryptBlocks(out, raw)
	return pkcs7Unpad(out, block.BlockSize())
}

// EncryptRSAPKCS1 encrypts msg with PKCS#1 v1.5 padding under a base64 DER
// public key, returning base64 text. The login flow uses this to protect the
// password blob with a server-provided key.
func EncryptRSAPKCS1(msg, publicKey string) (string, error) {
	der, err := base64.StdEncoding.DecodeString(publicKey)
	if err != nil {
		return "", fmt.Errorf("invalid public key encoding: %w", err)
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return "", fmt.Errorf("invalid public key: %w", err)
	}
	rsaKey, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return "", errors.New("public key is not RSA")
	}
	encrypted, err := rsa.EncryptPKCS1v15(rand.Reader, rsaKey, []byte(msg))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(encrypted), nil
}

// extendTimestamp builds the redundant timestamp suffix the backend folds
// into every signature: ts + ts[6:] + ts[3:].
func extendTimestamp(timestamp string) string {
	if len(timestamp) < 7 {
		return timestamp
	}
	return timestamp + timestamp[6:] + timestamp[3:]
}

func sha256HexUpper(s string) string {
	sum := sha256.Sum256([]byte(s))
	return strings.ToUpper(fmt.Sprintf("%x", sum))
}

// PayloadSign computes the sign header for a request: the uppercase SHA-256
// hex digest of the encrypted payload, the extended timestamp, and the
// session sign key.
func PayloadSign(encryptedPayload, timestamp, signKey string) string {
	if timestamp == "" {
		return ""
	}
	return sha256HexUpper(encryptedPayload + extendTimestamp(timestamp) + signKey)
}

// TimestampSign computes the sign header for the key-retrieval endpoint,
// which runs before any session keys exist. It signs an uppercased extended
// timestamp with the app-code-derived temporary key.
func TimestampSign(timestamp, appCode string) string {
	if timestamp == "" {
		return ""
	}
	extended := strings.ToUpper(extendTimestamp(timestamp))
	return sha256HexUpper(extended + AppTemporarySignKey(appCode))
}

func appCodeDigest(appCode string) string {
	val1 := strings.ToUpper(fmt.Sprintf("%x", md5.Sum([]byte(appCode+AppPackageID))))
	return strings.ToLower(fmt.Sprintf("%x", md5.Sum([]byte(val1+signatureMD5))))
}

// AppDecryptionKey derives the static AES key that protects the key-retrieval
// response, before any session key exists.
func AppDecryptionKey(appCode string) string {
	return appCodeDigest(appCode)[4:20]
}

// AppTemporarySignKey derives the static signing key for the key-retrieval
// request.
func AppTemporarySignKey(appCode string) string {
	digest := appCodeDigest(appCode)
	return digest[20:32] + digest[0:10] + digest[4:6]
}

// DeviceID derives the stable device identifier for the main API from an
// account-specific seed (the login email). Formatted as an uppercase
// 8-4-4-4-12 hex group string.
func DeviceID(seed string) string {
	sum := sha256.Sum256([]byte(seed))
	hexed := strings.ToUpper(fmt.Sprintf("%x", sum))
	return hexed[0:8] + "-" + hexed[8:12] + "-" + hexed[12:16] + "-" + hexed[16:20] + "-" + hexed[20:32]
}

// UsherDeviceID derives the device identifier for the login ("usher") API
// from the same seed.
func UsherDeviceID(seed string) string {
	sum := sha256.Sum256([]byte(seed))
	hexed := strings.ToUpper(fmt.Sprintf("%x", sum))
	id, _ := strconv.ParseUint(hexed[0:8], 16, 64)
	return "ACCT" + strconv.FormatUint(id, 10)
}
