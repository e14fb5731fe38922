package blob

import "fmt"

// DefaultCaptionPrefix labels the content ID in chunk captions.
const DefaultCaptionPrefix = "Codeword"

// Caption returns the advisory caption stored with a chunk:
//
//	<prefix>: <contentID> | Part: <ordinal>/<total>
//
// Captions are for people browsing the storage account; nothing parses them.
func Caption(prefix, contentID string, ordinal, total int) string {
	if prefix == "" {
		prefix = DefaultCaptionPrefix
	}
	return fmt.Sprintf("%s: %s | Part: %d/%d", prefix, contentID, ordinal, total)
}

// chunkName returns the document file name for one chunk. Single-chunk
// uploads keep the display name.
func chunkName(name string, ordinal, total int) string {
	if total <= 1 || name == "" {
		return name
	}
	return fmt.Sprintf("%s.part%d", name, ordinal)
}
