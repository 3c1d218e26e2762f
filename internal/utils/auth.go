package utils

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/openretail/storesync/internal/config"
	"golang.org/x/crypto/bcrypt"
)

// HashKey hashes an admin key using bcrypt
func HashKey(key string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(key), 10)
	return string(bytes), err
}

// CheckKeyHash compares an admin key with a hash
func CheckKeyHash(key, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(key))
	return err == nil
}

// GenerateStoreToken creates the token a store node presents on its sync
// calls to HQ. Long-lived: stores run unattended.
func GenerateStoreToken(storeID string, cfg *config.Config) (string, error) {
	claims := jwt.MapClaims{
		"store_id": storeID,
		"type":     "store",
		"iat":      time.Now().Unix(),
		"exp":      time.Now().Add(time.Hour * 24 * 30).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(cfg.JWTSecret))
}

// GenerateAdminToken creates a token for the admin API
func GenerateAdminToken(cfg *config.Config) (string, error) {
	claims := jwt.MapClaims{
		"type": "admin",
		"iat":  time.Now().Unix(),
		"exp":  time.Now().Add(time.Hour * 12).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(cfg.JWTSecret))
}

// ValidateToken parses and validates a token
func ValidateToken(tokenString string, secret string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})

	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(jwt.MapClaims); ok && token.Valid {
		return claims, nil
	}

	return nil, errors.New("invalid token")
}
