package gateway

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// Handshake frames exchanged before a websocket client may call methods.
const (
	EventAuthChallenge = "auth.challenge"
	EventAuthSuccess   = "auth.success"
	EventAuthFailure   = "auth.failure"
	MethodAuthResponse = "auth.response"
)

// maxAuthAttempts bad signatures close the connection.
const maxAuthAttempts = 3

// AuthHandler checks clients against the gateway's shared secret. Websocket
// clients answer an HMAC challenge; /rpc callers present the secret itself.
type AuthHandler struct {
	secret []byte
}

// NewAuthHandler creates a handler for secret.
func NewAuthHandler(sharedSecret string) *AuthHandler {
	return &AuthHandler{secret: []byte(sharedSecret)}
}

// GenerateChallenge returns 32 random bytes, hex encoded.
func (a *AuthHandler) GenerateChallenge() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate challenge: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Sign returns hex(HMAC-SHA256(secret, challenge)), the answer a client
// sends in its auth.response.
func Sign(secret, challenge string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(challenge))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature answers challenge.
func (a *AuthHandler) VerifySignature(challenge, signature string) bool {
	want := Sign(string(a.secret), challenge)
	return subtle.ConstantTimeCompare([]byte(want), []byte(signature)) == 1
}

// VerifySecret compares a secret presented directly, as on /rpc.
func (a *AuthHandler) VerifySecret(secret string) bool {
	return subtle.ConstantTimeCompare(a.secret, []byte(secret)) == 1
}

// HandleAuthResponse checks a client's answer to its pending challenge and
// updates the client's state. The challenge is consumed on success only.
func (a *AuthHandler) HandleAuthResponse(client *Client, signature string) AuthResult {
	if client.Challenge == "" {
		return authFailure("no challenge pending")
	}
	if !a.VerifySignature(client.Challenge, signature) {
		client.AuthAttempts++
		if client.AuthAttempts >= maxAuthAttempts {
			return authFailure("too many failed attempts")
		}
		return authFailure("invalid signature")
	}

	client.Authenticated = true
	client.State = StateAuthenticated
	client.AuthAttempts = 0
	client.Challenge = ""
	return AuthResult{Event: EventAuthSuccess, Success: true}
}

func authFailure(reason string) AuthResult {
	return AuthResult{Event: EventAuthFailure, Message: reason}
}
