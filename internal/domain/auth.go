package domain

import "github.com/golang-jwt/jwt/v5"

// Claims - токен клиента HTTP API. Scopes: "dashboard", "samples.write", "messages.send".
type Claims struct {
	DeviceID string          `json:"device_id"`
	Scopes   map[string]bool `json:"scopes"`
	jwt.RegisteredClaims
}
