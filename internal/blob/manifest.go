package blob

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/chatdrive/chatdrive/internal/transport"
	"github.com/chatdrive/chatdrive/internal/uid"
)

// Manifest is the ordered list of block references for one stored file,
// one entry per chunk in upload order. It encodes to JSON as a plain array
// of integers.
type Manifest []transport.MessageID

// ParseManifest decodes a manifest from its JSON form.
func ParseManifest(data []byte) (Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	if m == nil {
		m = Manifest{}
	}
	return m, nil
}

// String returns the JSON form of m.
func (m Manifest) String() string {
	if m == nil {
		return "[]"
	}
	b, _ := json.Marshal([]transport.MessageID(m))
	return string(b)
}

// File is the record a caller persists for a stored file. The core never
// stores it; it only produces and consumes the Manifest inside.
type File struct {
	ContentID string    `json:"id"`
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	MIMEType  string    `json:"mime_type,omitempty"`
	Digest    string    `json:"digest,omitempty"`
	Manifest  Manifest  `json:"message_ids"`
	CreatedAt time.Time `json:"created_at"`
}

// NewContentID returns a fresh random content identifier.
func NewContentID() string {
	return uid.Codeword()
}
