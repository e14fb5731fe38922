package s3store

import (
	"encoding/base64"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

const tokenVersion = 1

// Token is the credential material an s3store session resumes from: static
// keys plus the account name that selects the key namespace.
type Token struct {
	Version         int    `cbor:"1,keyasint"`
	Account         string `cbor:"2,keyasint"`
	AccessKeyID     string `cbor:"3,keyasint"`
	SecretAccessKey string `cbor:"4,keyasint"`
	SessionToken    string `cbor:"5,keyasint,omitempty"`
}

var encMode, _ = cbor.CoreDetEncOptions().EncMode()

// EncodeToken returns the string form of t for a credential store.
func EncodeToken(t Token) (string, error) {
	t.Version = tokenVersion
	raw, err := encMode.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("encoding s3store token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// DecodeToken parses a token produced by EncodeToken.
func DecodeToken(s string) (Token, error) {
	var t Token
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return t, fmt.Errorf("decoding s3store token: %w", err)
	}
	if err := cbor.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("decoding s3store token: %w", err)
	}
	if t.Version != tokenVersion {
		return t, fmt.Errorf("unsupported s3store token version %d", t.Version)
	}
	if t.Account == "" || t.AccessKeyID == "" || t.SecretAccessKey == "" {
		return t, fmt.Errorf("incomplete s3store token")
	}
	return t, nil
}
