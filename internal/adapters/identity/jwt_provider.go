package identity

import (
	"context"
	"errors"
	"fmt"
	"notification-service/internal/contextkeys"
	"notification-service/internal/core/domain"
	"notification-service/internal/core/port"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// JWTProvider проверяет HS256-токены сервиса аутентификации и возвращает user_id как subject id
type JWTProvider struct {
	signingKey []byte
	issuer     string
}

var _ port.IdentityProviderPort = (*JWTProvider)(nil)

// NewJWTProvider: issuer пустой - издатель не проверяется
func NewJWTProvider(signingKey, issuer string) (*JWTProvider, error) {
	if signingKey == "" {
		return nil, fmt.Errorf("JWT signing key cannot be empty")
	}
	return &JWTProvider{signingKey: []byte(signingKey), issuer: issuer}, nil
}

// jwtCustomClaims повторяет claims, которые выпускает сервис аутентификации
type jwtCustomClaims struct {
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

func (p *JWTProvider) ResolveSubject(ctx context.Context, credential string) (string, error) {
	logger := contextkeys.LoggerFromContext(ctx).WithFields(port.Fields{
		"component": "JWTProvider",
	})

	tokenString := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(credential), "Bearer "))
	if tokenString == "" {
		return "", &domain.AuthenticationFailedError{Reason: "token is missing"}
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if p.issuer != "" {
		opts = append(opts, jwt.WithIssuer(p.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &jwtCustomClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return p.signingKey, nil
	}, opts...)

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			logger.Warn("Token has expired", nil)
			return "", &domain.AuthenticationFailedError{Reason: "token expired", Err: err}
		}
		logger.Warn("Invalid token format or signature", port.Fields{"error": err.Error()})
		return "", &domain.AuthenticationFailedError{Reason: "token invalid", Err: err}
	}

	claims, ok := token.Claims.(*jwtCustomClaims)
	if !ok || !token.Valid {
		return "", &domain.AuthenticationFailedError{Reason: "token claims unreadable"}
	}

	subject := claims.UserID
	if subject == "" {
		subject = claims.Subject
	}
	if subject == "" {
		return "", &domain.AuthenticationFailedError{Reason: "token carries no subject"}
	}

	logger.Debug("Token validated", port.Fields{"subject_id": subject, "role": claims.Role})
	return subject, nil
}
