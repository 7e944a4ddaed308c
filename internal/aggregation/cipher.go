package aggregation

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
)

const (
	symmetricCipherName  = "AES/GCM/NoPadding"
	asymmetricCipherName = "RSA/ECB/OAEPWithSHA-256AndMGF1Padding"
	aesKeyBytes          = 32
	gcmTagBits           = 128
)

// encryptionMetadata is written next to every encrypted file so the
// recipient can unwrap the file key with their private key.
type encryptionMetadata struct {
	SymmetricProperties  symmetricProperties  `json:"SymmetricProperties"`
	AsymmetricProperties asymmetricProperties `json:"AsymmetricProperties"`
}

type symmetricProperties struct {
	Cipher               string `json:"Cipher"`
	EncryptedKey         string `json:"EncryptedKey"`
	InitializationVector string `json:"InitializationVector"`
	TagLength            int    `json:"TagLength"`
}

type asymmetricProperties struct {
	Cipher    string `json:"Cipher"`
	PublicKey string `json:"PublicKey"`
}

// parsePublicKey accepts PKIX ("PUBLIC KEY") and PKCS#1 ("RSA PUBLIC KEY") PEM.
func parsePublicKey(pemKey string) (*rsa.PublicKey, []byte, error) {
	block, _ := pem.Decode([]byte(pemKey))
	if block == nil {
		return nil, nil, fmt.Errorf("encryption key is not PEM encoded")
	}

	switch block.Type {
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to parse encryption key: %w", err)
		}
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, nil, fmt.Errorf("encryption key is %T, not RSA", key)
		}
		return rsaKey, block.Bytes, nil
	case "RSA PUBLIC KEY":
		rsaKey, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to parse encryption key: %w", err)
		}
		der, err := x509.MarshalPKIXPublicKey(rsaKey)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to encode encryption key: %w", err)
		}
		return rsaKey, der, nil
	default:
		return nil, nil, fmt.Errorf("unsupported encryption key type %q", block.Type)
	}
}

// encryptFile seals plainPath into encPath with a fresh AES-256-GCM key,
// writes the wrapped key to metaPath and removes the plain file.
func encryptFile(plainPath, encPath, metaPath, pemKey string) error {
	publicKey, der, err := parsePublicKey(pemKey)
	if err != nil {
		return err
	}

	plain, err := os.ReadFile(plainPath)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", plainPath, err)
	}

	key := make([]byte, aesKeyBytes)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("failed to generate file key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("failed to create GCM: %w", err)
	}
	iv := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return fmt.Errorf("failed to generate IV: %w", err)
	}

	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, publicKey, key, nil)
	if err != nil {
		return fmt.Errorf("failed to wrap file key: %w", err)
	}

	metadata, err := json.Marshal(encryptionMetadata{
		SymmetricProperties: symmetricProperties{
			Cipher:               symmetricCipherName,
			EncryptedKey:         base64.StdEncoding.EncodeToString(wrapped),
			InitializationVector: base64.StdEncoding.EncodeToString(iv),
			TagLength:            gcmTagBits,
		},
		AsymmetricProperties: asymmetricProperties{
			Cipher:    asymmetricCipherName,
			PublicKey: base64.StdEncoding.EncodeToString(der),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to marshal encryption metadata: %w", err)
	}

	if err := os.WriteFile(encPath, gcm.Seal(nil, iv, plain, nil), 0o640); err != nil {
		return fmt.Errorf("failed to write %s: %w", encPath, err)
	}
	if err := os.WriteFile(metaPath, metadata, 0o640); err != nil {
		return fmt.Errorf("failed to write %s: %w", metaPath, err)
	}
	if err := os.Remove(plainPath); err != nil {
		return fmt.Errorf("failed to remove %s: %w", plainPath, err)
	}
	return nil
}
