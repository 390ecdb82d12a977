package arazzo

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tombee/arazzo/pkg/errors"
)

// Parse decodes an Arazzo document from YAML or JSON bytes. JSON is
// accepted because YAML 1.2 is a superset. The returned document is not
// validated; call Validate separately.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &errors.ValidationError{
			Message:    fmt.Sprintf("cannot parse document: %v", err),
			Suggestion: "check YAML/JSON syntax",
		}
	}
	return &doc, nil
}

// ParseFile reads and parses an Arazzo document from disk.
func ParseFile(path string) (*Document, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read workflow document: %w", err)
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, nil, err
	}
	return doc, data, nil
}

// Hash returns the content hash of the raw document bytes. A document is
// written to the store once per hash.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Marshal serializes the document back to YAML. Parse(Marshal(d)) yields
// a document equal to d.
func Marshal(d *Document) ([]byte, error) {
	return yaml.Marshal(d)
}
