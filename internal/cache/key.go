package cache

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

// KeyParts are the inputs that identify a cached lookup.
type KeyParts struct {
	Namespace string            `cbor:"1,keyasint"`
	Query     string            `cbor:"2,keyasint"`
	K         int               `cbor:"3,keyasint,omitempty"`
	Filter    map[string]string `cbor:"4,keyasint,omitempty"`
}

// encMode uses Core Deterministic Encoding: map keys are sorted, so the
// same filter yields the same bytes regardless of insertion order.
var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("cache: CBOR encoder initialization failed: " + err.Error())
	}
}

// Fingerprint returns the deterministic key for parts.
func Fingerprint(parts KeyParts) (string, error) {
	norm := KeyParts{
		Namespace: parts.Namespace,
		Query:     normalizeQuery(parts.Query),
		K:         parts.K,
	}
	if len(parts.Filter) > 0 {
		norm.Filter = parts.Filter
	}
	data, err := encMode.Marshal(norm)
	if err != nil {
		return "", fmt.Errorf("encode key parts: %w", err)
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// normalizeQuery trims the query and collapses runs of whitespace.
func normalizeQuery(q string) string {
	return strings.Join(strings.Fields(q), " ")
}
