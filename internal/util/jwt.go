package util

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// GenerateServiceJWT creates a short-lived bearer token for service-to-service
// calls (collector, analysis). The receiving side validates the shared secret.
func GenerateServiceJWT(service, secret string) (string, error) {
	claims := jwt.MapClaims{
		"svc": service,
		"iss": "digest-worker",
		"exp": time.Now().Add(5 * time.Minute).Unix(),
		"iat": time.Now().Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ParseServiceJWT validates a service token and extracts the svc claim.
func ParseServiceJWT(tokenStr, secret string) (string, error) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return "", err
	}

	if !token.Valid {
		return "", jwt.ErrTokenInvalidClaims
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", jwt.ErrTokenMalformed
	}

	svc, ok := claims["svc"].(string)
	if !ok {
		return "", jwt.ErrTokenMalformed
	}

	return svc, nil
}
