// Package genome models the opaque behavioral blob carried by every hosted
// agent. The control plane never interprets genome contents; it only moves
// the bytes and checks the content hash.
package genome

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/zeebo/blake3"
)

// Genome is an opaque configuration blob plus its content hash.
type Genome struct {
	// Blob is the raw genome document as received from the caller.
	Blob json.RawMessage `json:"blob,omitempty"`
	// Hash identifies the blob's content. Either declared by the caller
	// inside the document or computed from the bytes.
	Hash string `json:"hash"`
}

// HashBytes returns the hex-encoded BLAKE3 digest of b.
func HashBytes(b []byte) string {
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// New builds a Genome from raw bytes, computing the content hash.
func New(blob []byte) Genome {
	return Genome{Blob: json.RawMessage(blob), Hash: HashBytes(blob)}
}

// FromDocument builds a Genome from a caller-supplied JSON document. When the
// document is an object carrying a "hash" string the declared value is kept;
// otherwise the hash is computed from the document bytes.
func FromDocument(doc json.RawMessage) (Genome, error) {
	if len(doc) == 0 {
		return Genome{}, fmt.Errorf("genome document is empty")
	}
	if !json.Valid(doc) {
		return Genome{}, fmt.Errorf("genome document is not valid JSON")
	}

	var declared struct {
		Hash string `json:"hash"`
	}
	if err := json.Unmarshal(doc, &declared); err == nil && declared.Hash != "" {
		return Genome{Blob: doc, Hash: declared.Hash}, nil
	}
	return New(doc), nil
}

// IsZero reports whether g carries no genome at all.
func (g Genome) IsZero() bool {
	return len(g.Blob) == 0 && g.Hash == ""
}
