// Package idgen generates the identifiers pagerescue stores alongside its
// records. Constructors that persist rows take a Generator so tests can pin
// IDs.
package idgen

import (
	"crypto/rand"

	"github.com/google/uuid"
)

// Generator returns a new unique identifier on each call.
type Generator func() string

// UUIDv7 produces time-ordered RFC 9562 UUIDs.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// NanoID produces lowercase base-36 IDs of the given length.
func NanoID(length int) Generator {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	return func() string {
		buf := make([]byte, length)
		if _, err := rand.Read(buf); err != nil {
			panic("idgen: crypto/rand: " + err.Error())
		}
		for i, b := range buf {
			buf[i] = alphabet[int(b)%len(alphabet)]
		}
		return string(buf)
	}
}

// Prefixed prepends prefix to every ID from gen ("evt_", "met_").
func Prefixed(prefix string, gen Generator) Generator {
	return func() string { return prefix + gen() }
}

// Default is UUIDv7.
var Default = UUIDv7()
