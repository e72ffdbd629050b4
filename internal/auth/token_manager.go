// Package auth issues and caches the bearer token the agent presents to the
// backend, signing a short-lived claim with the device's RSA private key.
package auth

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"time"

	"github.com/cuemby/agent/internal/backend"
	"github.com/cuemby/agent/internal/errs"
	"github.com/cuemby/agent/internal/log"
	"github.com/cuemby/agent/internal/models"
	"github.com/cuemby/agent/internal/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// claimTTL bounds how long a signed claim is valid for the backend to
// accept; it is not the issued token's own lifetime.
const claimTTL = 2 * time.Minute

type issueTokenClaim struct {
	DeviceID   string `json:"device_id"`
	Nonce      string `json:"nonce"`
	Expiration int64  `json:"expiration"`
}

// TokenFile is the cached-file singleton backing a TokenManager's on-disk
// token.
type TokenFile = storage.CachedFile[models.Token]

// TokenManager holds the device's cached bearer token and refreshes it by
// signing a fresh claim with the on-disk RSA private key.
type TokenManager struct {
	deviceID       string
	client         backend.Client
	tokenFile      *TokenFile
	privateKeyPath string

	logger zerolog.Logger
}

// NewTokenManager constructs a TokenManager. Both tokenFile and the private
// key at privateKeyPath must already exist; use CreateTokenFile below for
// first-run provisioning.
func NewTokenManager(deviceID string, client backend.Client, tokenFile *TokenFile, privateKeyPath string) (*TokenManager, error) {
	if !fileExists(privateKeyPath) {
		return nil, fmt.Errorf("token manager: private key not found at %s: %w", privateKeyPath, os.ErrNotExist)
	}
	return &TokenManager{
		deviceID:       deviceID,
		client:         client,
		tokenFile:      tokenFile,
		privateKeyPath: privateKeyPath,
		logger:         log.WithComponent("auth"),
	}, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// GetToken returns the currently cached token. It only fails if the token
// file's actor has already been shut down, in which case it logs and
// returns a zero-value token rather than forcing every caller to thread
// through a shutdown-race error.
func (m *TokenManager) GetToken() models.Token {
	token, err := m.tokenFile.Read()
	if err != nil {
		m.logger.Error().Err(err).Msg("read cached token after shutdown")
		return models.Token{}
	}
	return token
}

// Shutdown stops the token file's actor. The token file is owned exclusively
// by the token manager, per the shared-resource policy.
func (m *TokenManager) Shutdown() error {
	return m.tokenFile.Shutdown()
}

// RefreshToken signs a fresh claim, exchanges it for a new token over HTTP,
// and writes the result through the cached-file singleton so the on-disk
// copy and the in-memory copy never disagree.
func (m *TokenManager) RefreshToken(ctx context.Context) error {
	token, err := m.issueToken(ctx)
	if err != nil {
		return err
	}
	if err := m.tokenFile.Write(token); err != nil {
		return fmt.Errorf("token manager: failed to persist refreshed token: %w", err)
	}
	m.logger.Info().Str("device_id", m.deviceID).Time("expires_at", token.ExpiresAt).Msg("refreshed device token")
	return nil
}

func (m *TokenManager) issueToken(ctx context.Context) (models.Token, error) {
	claims, signature, err := m.signClaim()
	if err != nil {
		return models.Token{}, err
	}

	issued, err := m.client.IssueDeviceToken(ctx, m.deviceID, claims, signature)
	if err != nil {
		return models.Token{}, fmt.Errorf("token manager: issue device token: %w", err)
	}

	return models.Token{Token: issued.Token, ExpiresAt: issued.ExpiresAt}, nil
}

func (m *TokenManager) signClaim() (claimsJSON []byte, signatureB64 string, err error) {
	now := time.Now()
	nonce, err := uuid.NewRandom()
	if err != nil {
		return nil, "", fmt.Errorf("token manager: generate nonce: %w", err)
	}

	claims := issueTokenClaim{
		DeviceID:   m.deviceID,
		Nonce:      nonce.String(),
		Expiration: now.Add(claimTTL).Unix(),
	}
	claimsJSON, err = json.Marshal(claims)
	if err != nil {
		return nil, "", fmt.Errorf("token manager: marshal claims: %w", err)
	}

	key, err := loadPrivateKey(m.privateKeyPath)
	if err != nil {
		return nil, "", err
	}

	hashed := sha256.Sum256(claimsJSON)
	signature, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, hashed[:])
	if err != nil {
		return nil, "", fmt.Errorf("token manager: sign claims: %w", err)
	}

	return claimsJSON, base64.StdEncoding.EncodeToString(signature), nil
}

func loadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("token manager: read private key %s: %w", path, err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("token manager: private key %s is not valid PEM", path)
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("token manager: parse private key %s: %w", path, err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("token manager: private key %s is not RSA", path)
	}
	return key, nil
}

// CreateTokenFile provisions a fresh token file at path with a zero-value
// token, for first-run device setup.
func CreateTokenFile(path string) (*TokenFile, error) {
	file, err := storage.CreateCachedFile(path, models.Token{}, false)
	if err != nil {
		if _, ok := err.(*errs.Duplicate); ok {
			return storage.NewCachedFile[models.Token](path)
		}
		return nil, err
	}
	return file, nil
}
