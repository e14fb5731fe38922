package memory

import (
	"encoding/base64"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

const tokenVersion = 1

// tokenEnvelope is the durable credential material exported by a Client.
type tokenEnvelope struct {
	Version int    `cbor:"1,keyasint"`
	Phone   string `cbor:"2,keyasint"`
	AuthKey string `cbor:"3,keyasint"`
}

// encMode produces deterministic encodings so identical sessions export
// identical tokens.
var encMode, _ = cbor.CoreDetEncOptions().EncMode()

func encodeToken(env tokenEnvelope) (string, error) {
	raw, err := encMode.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("encoding session token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func decodeToken(token string) (tokenEnvelope, error) {
	var env tokenEnvelope
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return env, fmt.Errorf("decoding session token: %w", err)
	}
	if err := cbor.Unmarshal(raw, &env); err != nil {
		return env, fmt.Errorf("decoding session token: %w", err)
	}
	if env.Version != tokenVersion {
		return env, fmt.Errorf("unsupported session token version %d", env.Version)
	}
	return env, nil
}
