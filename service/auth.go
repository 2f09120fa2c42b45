package service

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/zlnvch/inkroom/models"
)

// Tokens are issued by the account service; this process only verifies them.
// CreateJWT exists for local tooling and tests.
func (s *Service) CreateJWT(identity models.Identity, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"id":       identity.Id,
		"username": identity.Username,
		"exp":      time.Now().Add(ttl).Unix(),
		"iat":      time.Now().Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.JWTSecret)
}

func (s *Service) VerifyJWT(tokenString string) (models.Identity, time.Time, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		return s.JWTSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return models.Identity{}, time.Time{}, err
	}

	if !token.Valid {
		return models.Identity{}, time.Time{}, errors.New("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return models.Identity{}, time.Time{}, errors.New("invalid token claims")
	}

	id, ok := claims["id"].(string)
	if !ok || id == "" {
		return models.Identity{}, time.Time{}, errors.New("missing id claim")
	}

	username, ok := claims["username"].(string)
	if !ok {
		return models.Identity{}, time.Time{}, errors.New("missing username claim")
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return models.Identity{}, time.Time{}, errors.New("missing exp claim")
	}

	return models.Identity{Id: id, Username: username}, exp.Time, nil
}

// AuthenticateToken resolves the identity a connection or request acts as.
func (s *Service) AuthenticateToken(token string) (models.Identity, error) {
	if len(token) == 0 {
		return models.Identity{}, AuthenticationError("token not provided", nil)
	}

	identity, _, err := s.VerifyJWT(token)
	if err != nil {
		return models.Identity{}, AuthenticationError("invalid token", err)
	}
	return identity, nil
}
