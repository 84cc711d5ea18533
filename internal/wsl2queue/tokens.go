package wsl2queue

import (
	"os"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/autocapture/engine/internal/keyring"
)

// tokenSigner mints and validates the TTL-bound inflight lease tokens
// spec.md §4.11 uses to cap concurrent dispatched jobs ("inflight cap via
// token files with TTL; exceeded → token_backpressure"). One token file
// per inflight job lives under queue_dir/tokens/.
type tokenSigner struct {
	key []byte // HS256 signing key; nil means "derive a random one per process"
}

func newTokenSigner(kr *keyring.Keyring) (*tokenSigner, error) {
	if kr == nil {
		// No keyring configured: tokens are still TTL-checked, just signed
		// with a process-lifetime-only key since there is nothing durable
		// to derive one from.
		return &tokenSigner{key: []byte("wsl2queue-ephemeral-signing-key")}, nil
	}
	key, err := kr.DerivePurposeKey(keyring.PurposeWSL2LeaseToken)
	if err != nil {
		return nil, err
	}
	return &tokenSigner{key: key}, nil
}

func (s *tokenSigner) mint(jobID string, ttl time.Duration) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   jobID,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
}

func (s *tokenSigner) validate(tokenStr string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (interface{}, error) {
		return s.key, nil
	})
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func tokenPath(tokensDir, jobID string) string {
	return filepath.Join(tokensDir, jobID+".jwt")
}

// countInflight counts non-expired token files under tokensDir, pruning
// any expired ones it finds along the way.
func (s *tokenSigner) countInflight(tokensDir string) (int, error) {
	entries, err := os.ReadDir(tokensDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	count := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(tokensDir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		claims, err := s.validate(string(data))
		if err != nil {
			os.Remove(path)
			continue
		}
		if claims.ExpiresAt != nil && claims.ExpiresAt.Before(time.Now()) {
			os.Remove(path)
			continue
		}
		count++
	}
	return count, nil
}

func releaseToken(tokensDir, jobID string) error {
	err := os.Remove(tokenPath(tokensDir, jobID))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
