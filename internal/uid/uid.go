// Package uid provides identifier generation for chatdrive.
package uid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"
)

// codewordAlphabet is the character set used for content identifiers.
const codewordAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// CodewordLength is the length of identifiers returned by Codeword.
const CodewordLength = 10

// New generates a 32-character hex string suitable for temp file names and
// similar throwaway identifiers, using crypto/rand.
func New() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		// Fallback: timestamp-based ID. Should never happen with crypto/rand.
		return fmt.Sprintf("%032x", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// Codeword returns a random alphanumeric identifier of CodewordLength
// characters. Codewords name logical files and appear in chunk captions.
func Codeword() string {
	out := make([]byte, CodewordLength)
	max := big.NewInt(int64(len(codewordAlphabet)))
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return New()[:CodewordLength]
		}
		out[i] = codewordAlphabet[n.Int64()]
	}
	return string(out)
}
