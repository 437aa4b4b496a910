// Package secret 托管私钥的对称加密存储
//
// 使用 XChaCha20-Poly1305 (AEAD)，密文格式为 base64(nonce || ciphertext)。
// 解密失败意味着密钥错误或数据被篡改，属于致命错误，不重试。
package secret

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/chacha20poly1305"

	apperr "github.com/eidos-exchange/eidos-escrow/pkg/errors"
	"github.com/eidos-exchange/eidos-escrow/pkg/logger"
)

// ErrInvalidKey 加密密钥格式错误
var ErrInvalidKey = errors.New("encryption key must be 32 bytes hex encoded")

// Store 加解密托管私钥
type Store interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// AEADStore XChaCha20-Poly1305 实现
type AEADStore struct {
	key []byte
}

// NewStore 从 hex 编码的 32 字节密钥创建
func NewStore(hexKey string) (*AEADStore, error) {
	key, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil || len(key) != chacha20poly1305.KeySize {
		return nil, ErrInvalidKey
	}
	return &AEADStore{key: key}, nil
}

// Encrypt 加密
func (s *AEADStore) Encrypt(plaintext string) (string, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt 解密，失败返回 ErrSecretCorrupted 并以最高级别记录
func (s *AEADStore) Decrypt(ciphertext string) (string, error) {
	plaintext, err := s.open(ciphertext)
	if err != nil {
		logger.Error("escrow secret decrypt failed",
			zap.Bool("fatal", true),
			zap.Int("ciphertext_len", len(ciphertext)),
			zap.Error(err))
		return "", apperr.Wrap(apperr.ErrSecretCorrupted, err)
	}
	return plaintext, nil
}

func (s *AEADStore) open(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return "", errors.New("ciphertext too short")
	}

	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", errors.New("message authentication failed")
	}
	return string(plaintext), nil
}
