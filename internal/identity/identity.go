// Package identity draws the random realm and user the agent registers under.
package identity

import "math/rand"

// Length is the fixed size of every generated identifier.
const Length = 8

const charset = "abcdefghijklmnopqrstuvwxyz"

// Identity is the agent's throwaway address of record.
type Identity struct {
	Realm string
	User  string
}

// New draws a fresh identity. The top-level math/rand source is seeded
// by the runtime, so two process starts do not repeat.
func New() Identity {
	return Generate(rand.New(rand.NewSource(rand.Int63())))
}

// Generate draws both identifiers from rng. A seeded rng gives repeatable output.
func Generate(rng *rand.Rand) Identity {
	return Identity{Realm: String(rng), User: String(rng)}
}

// String returns Length characters sampled uniformly from a-z.
func String(rng *rand.Rand) string {
	b := make([]byte, Length)
	for i := range b {
		b[i] = charset[rng.Intn(len(charset))]
	}
	return string(b)
}

// Valid reports whether s has the shape of a generated identifier.
func Valid(s string) bool {
	if len(s) != Length {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < 'a' || s[i] > 'z' {
			return false
		}
	}
	return true
}
