package genome_test

import (
	"encoding/json"
	"testing"

	"github.com/bdobrica/Taicho/internal/genome"
)

func TestNewComputesStableHash(t *testing.T) {
	a := genome.New([]byte(`{"prompt":"x"}`))
	b := genome.New([]byte(`{"prompt":"x"}`))
	if a.Hash == "" {
		t.Fatal("hash must not be empty")
	}
	if a.Hash != b.Hash {
		t.Errorf("identical blobs hashed differently: %q vs %q", a.Hash, b.Hash)
	}
	c := genome.New([]byte(`{"prompt":"y"}`))
	if a.Hash == c.Hash {
		t.Error("different blobs must not share a hash")
	}
}

func TestFromDocumentKeepsDeclaredHash(t *testing.T) {
	g, err := genome.FromDocument(json.RawMessage(`{"prompt":"x","hash":"h1"}`))
	if err != nil {
		t.Fatalf("FromDocument: %v", err)
	}
	if g.Hash != "h1" {
		t.Errorf("hash = %q, want declared h1", g.Hash)
	}
}

func TestFromDocumentComputesWhenUndeclared(t *testing.T) {
	doc := json.RawMessage(`{"prompt":"x"}`)
	g, err := genome.FromDocument(doc)
	if err != nil {
		t.Fatalf("FromDocument: %v", err)
	}
	if g.Hash != genome.HashBytes(doc) {
		t.Errorf("hash = %q, want computed %q", g.Hash, genome.HashBytes(doc))
	}
}

func TestFromDocumentRejectsInvalid(t *testing.T) {
	if _, err := genome.FromDocument(nil); err == nil {
		t.Error("empty document should be rejected")
	}
	if _, err := genome.FromDocument(json.RawMessage(`{broken`)); err == nil {
		t.Error("invalid JSON should be rejected")
	}
}
