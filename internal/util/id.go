package util

import gonanoid "github.com/matoous/go-nanoid/v2"

const idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// NewID returns a random lowercase id, prefixed as "prefix_…" when prefix is
// set.
func NewID(prefix string) string {
	id := gonanoid.MustGenerate(idAlphabet, 21)
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

// NewToken returns a longer random string for invite and refresh tokens.
func NewToken() string {
	return gonanoid.Must(32)
}
