package mcpapi

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/argon2"
)

const accessTokenTTL = 24 * time.Hour

// argon2Params tunes refresh-token hashing. Matches the teacher's
// refresh-token hashing parameters.
var argon2Params = struct {
	time, memory   uint32
	threads        uint8
	keyLen, saltLen uint32
}{time: 1, memory: 64 * 1024, threads: 4, keyLen: 32, saltLen: 16}

// TokenManager issues 24h JWT access tokens and argon2id-hashed refresh
// tokens for the chat-tool surface's OAuth 2.1 connector. Grounded on the
// pack's JWTTokenManager, narrowed from that service's multi-user
// email/session claims to this controller's single-user subject.
type TokenManager struct {
	secret []byte
	issuer string
}

// NewTokenManager constructs a TokenManager signing with secret.
func NewTokenManager(secret, issuer string) *TokenManager {
	return &TokenManager{secret: []byte(secret), issuer: issuer}
}

// GenerateAccessToken issues a 24h HS256 JWT for subject (the OAuth client
// ID, since this deployment has exactly one user).
func (m *TokenManager) GenerateAccessToken(subject string) (string, time.Time, error) {
	if len(m.secret) == 0 {
		return "", time.Time{}, errors.New("mcpapi: token signing secret not configured")
	}
	expiresAt := time.Now().Add(accessTokenTTL)
	claims := jwt.MapClaims{
		"sub": subject,
		"iss": m.issuer,
		"exp": expiresAt.Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// ParseAccessToken validates token's signature and expiry and returns its
// subject claim.
func (m *TokenManager) ParseAccessToken(token string) (string, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("mcpapi: unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return "", err
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return "", errors.New("mcpapi: invalid access token")
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", errors.New("mcpapi: access token missing subject")
	}
	return sub, nil
}

// GenerateRefreshToken returns a random opaque token and its argon2id hash;
// only the hash is persisted.
func (m *TokenManager) GenerateRefreshToken() (plain, hash string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", err
	}
	plain = base64.RawURLEncoding.EncodeToString(buf)
	hash, err = m.HashRefreshToken(plain)
	if err != nil {
		return "", "", err
	}
	return plain, hash, nil
}

// HashRefreshToken argon2id-hashes a refresh token for storage.
func (m *TokenManager) HashRefreshToken(token string) (string, error) {
	salt := make([]byte, argon2Params.saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	p := argon2Params
	sum := argon2.IDKey([]byte(token), salt, p.time, p.memory, p.threads, p.keyLen)
	return fmt.Sprintf("argon2id$%s$%s",
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(sum)), nil
}

// VerifyRefreshToken reports whether token matches encodedHash.
func (m *TokenManager) VerifyRefreshToken(token, encodedHash string) (bool, error) {
	parts := splitHash(encodedHash)
	if len(parts) != 3 || parts[0] != "argon2id" {
		return false, errors.New("mcpapi: malformed refresh token hash")
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[1])
	if err != nil {
		return false, err
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[2])
	if err != nil {
		return false, err
	}
	p := argon2Params
	got := argon2.IDKey([]byte(token), salt, p.time, p.memory, p.threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

func splitHash(encoded string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(encoded); i++ {
		if encoded[i] == '$' {
			parts = append(parts, encoded[start:i])
			start = i + 1
		}
	}
	parts = append(parts, encoded[start:])
	return parts
}
