// Package identity derives stable surrogate keys for source-company
// entities. The parent model keys dimensions numerically below
// SurrogateFloor; source identifiers hash into the disjoint range above
// it, so the two key spaces can never collide and resolution needs no
// lookup table.
package identity

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

const (
	// SurrogateFloor is the lowest surrogate key. Parent-company numeric
	// keys all sit below it.
	SurrogateFloor uint64 = 1_000_000_000

	// SentinelKey is substituted when no identity can be derived. Callers
	// flag such records for review.
	SentinelKey uint64 = SurrogateFloor

	// keySpan is the size of the surrogate range [SurrogateFloor, 2^63).
	keySpan uint64 = (1 << 63) - SurrogateFloor
)

// ResolutionError reports attributes that canonicalize to nothing.
type ResolutionError struct {
	Attrs []string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("cannot resolve identity from empty attributes %q", e.Attrs)
}

// Resolve maps an attribute tuple to a surrogate key in
// [SurrogateFloor, 2^63). The same attributes always produce the same key,
// in any process, on any run: the key is a pure function of the
// canonicalized input.
func Resolve(attrs ...string) (uint64, error) {
	canonical := Canonicalize(attrs...)
	if canonical == "" {
		return 0, &ResolutionError{Attrs: attrs}
	}
	// Reserve SurrogateFloor itself for SentinelKey.
	h := xxhash.Sum64String(canonical)
	return SurrogateFloor + 1 + h%(keySpan-1), nil
}

// ProductKey resolves a product surrogate key. The entity prefix keeps
// product and customer key derivations disjoint even for identical codes.
func ProductKey(code string) (uint64, error) {
	return Resolve("product", code)
}

// CustomerKey resolves a customer surrogate key.
func CustomerKey(code string) (uint64, error) {
	return Resolve("customer", code)
}

// Canonicalize normalizes and joins attributes with a unit separator so
// ("ab","c") and ("a","bc") cannot collide. Case, surrounding whitespace
// and internal whitespace runs are not identity-bearing.
func Canonicalize(attrs ...string) string {
	parts := make([]string, len(attrs))
	empty := true
	for i, a := range attrs {
		parts[i] = strings.ToLower(strings.Join(strings.Fields(a), " "))
		if parts[i] != "" {
			empty = false
		}
	}
	if empty {
		return ""
	}
	return strings.Join(parts, "\x1f")
}
