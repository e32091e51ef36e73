package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/xela07ax/healthsync/internal/domain"
)

var (
	ErrMissingToken    = errors.New("token is empty")
	ErrMissingDeviceID = errors.New("token has no device_id")
)

// Validator проверяет токены клиентов API: подпись RS256, обязательный exp
// и device_id, по которому пишутся логи и отсекаются чужие устройства.
type Validator struct {
	publicKey *rsa.PublicKey
	parser    *jwt.Parser
}

type ValidatorOption func(*validatorOptions)

type validatorOptions struct {
	issuer string
	leeway time.Duration
}

// WithIssuer требует совпадения iss. Пустая строка - без проверки.
func WithIssuer(iss string) ValidatorOption {
	return func(o *validatorOptions) { o.issuer = iss }
}

// WithLeeway - допуск на расхождение часов телефона и часов сервера
func WithLeeway(d time.Duration) ValidatorOption {
	return func(o *validatorOptions) { o.leeway = d }
}

func NewValidator(pubKey *rsa.PublicKey, opts ...ValidatorOption) *Validator {
	o := validatorOptions{leeway: 5 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}

	popts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(o.leeway),
	}
	if o.issuer != "" {
		popts = append(popts, jwt.WithIssuer(o.issuer))
	}
	return &Validator{publicKey: pubKey, parser: jwt.NewParser(popts...)}
}

// VerifyToken принимает значение заголовка Authorization целиком или голый токен.
func (v *Validator) VerifyToken(header string) (*domain.Claims, error) {
	raw := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(header), "Bearer "))
	if raw == "" {
		return nil, ErrMissingToken
	}

	claims := &domain.Claims{}
	_, err := v.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return v.publicKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if claims.DeviceID == "" {
		return nil, ErrMissingDeviceID
	}
	return claims, nil
}

// ParseRSAPublicKey читает PEM (PKIX или PKCS1) из конфигурации
func ParseRSAPublicKey(data []byte) (*rsa.PublicKey, error) {
	if len(data) == 0 {
		return nil, errors.New("public key data is empty")
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	return key, nil
}
