package services

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

// TokenService issues and verifies HS256 access tokens.
type TokenService struct {
	Secret    []byte
	Issuer    string
	AccessTTL time.Duration
}

type AccessClaims struct {
	UserID string
	Email  string
	Roles  []string
}

func (t TokenService) CreateAccessToken(userID, email string, roles []string) (string, int64, error) {
	now := time.Now().UTC()
	exp := now.Add(t.AccessTTL)
	claims := jwt.MapClaims{
		"iss":   t.Issuer,
		"sub":   userID,
		"typ":   "access",
		"email": email,
		"roles": roles,
		"iat":   now.Unix(),
		"exp":   exp.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.Secret)
	return signed, exp.Unix(), err
}

func (t TokenService) ParseToken(tokenStr string) (*jwt.Token, jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		return t.Secret, nil
	}, jwt.WithIssuer(t.Issuer), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	return token, claims, err
}

// ParseAccessToken validates the token and requires typ=access with a subject.
func (t TokenService) ParseAccessToken(tokenStr string) (AccessClaims, error) {
	token, claims, err := t.ParseToken(tokenStr)
	if err != nil || token == nil || !token.Valid {
		return AccessClaims{}, errors.New("invalid token")
	}
	if typ, _ := claims["typ"].(string); typ != "access" {
		return AccessClaims{}, errors.New("invalid token type")
	}
	sub, _ := claims["sub"].(string)
	if strings.TrimSpace(sub) == "" {
		return AccessClaims{}, errors.New("missing subject")
	}
	email, _ := claims["email"].(string)
	roles := []string{}
	if raw, ok := claims["roles"].([]interface{}); ok {
		for _, r := range raw {
			if s, ok := r.(string); ok {
				roles = append(roles, s)
			}
		}
	}
	return AccessClaims{UserID: sub, Email: email, Roles: roles}, nil
}

// HashSecret produces an argon2id hash suitable for ADMIN_TOKEN_HASH.
func HashSecret(raw string) (string, error) {
	salt := make([]byte, adminHashSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	p := defaultAdminHash
	key := argon2.IDKey([]byte(raw), salt, p.time, p.memory, p.threads, p.keyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.memory, p.time, p.threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key)), nil
}

// VerifySecret accepts argon2id and bcrypt encoded hashes.
func VerifySecret(raw, hashed string) bool {
	if !strings.HasPrefix(hashed, "$argon2id$") {
		return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(raw)) == nil
	}
	p, salt, want, err := parseAdminHash(hashed)
	if err != nil {
		return false
	}
	got := argon2.IDKey([]byte(raw), salt, p.time, p.memory, p.threads, p.keyLen)
	return subtle.ConstantTimeCompare(got, want) == 1
}

const adminHashSaltLen = 16

type adminHashParams struct {
	memory  uint32
	time    uint32
	threads uint8
	keyLen  uint32
}

var defaultAdminHash = adminHashParams{memory: 64 * 1024, time: 3, threads: 1, keyLen: 32}

// parseAdminHash reads $argon2id$v=19$m=..,t=..,p=..$salt$key.
func parseAdminHash(encoded string) (adminHashParams, []byte, []byte, error) {
	fields := strings.Split(encoded, "$")
	if len(fields) != 6 {
		return adminHashParams{}, nil, nil, errors.New("malformed argon2id hash")
	}
	var version int
	if _, err := fmt.Sscanf(fields[2], "v=%d", &version); err != nil || version != argon2.Version {
		return adminHashParams{}, nil, nil, errors.New("unsupported argon2 version")
	}
	var p adminHashParams
	if _, err := fmt.Sscanf(fields[3], "m=%d,t=%d,p=%d", &p.memory, &p.time, &p.threads); err != nil {
		return adminHashParams{}, nil, nil, fmt.Errorf("argon2 params: %w", err)
	}
	salt, err := base64.RawStdEncoding.DecodeString(fields[4])
	if err != nil {
		return adminHashParams{}, nil, nil, err
	}
	key, err := base64.RawStdEncoding.DecodeString(fields[5])
	if err != nil {
		return adminHashParams{}, nil, nil, err
	}
	p.keyLen = uint32(len(key))
	return p, salt, key, nil
}
