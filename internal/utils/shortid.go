package utils

import (
	"crypto/rand"
	"math/big"
)

const shortIDAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// ShortID returns a random identifier of n characters drawn from a
// base62 alphabet using crypto/rand.
func ShortID(n int) string {
	out := make([]byte, n)
	maxIdx := big.NewInt(int64(len(shortIDAlphabet)))
	for i := range out {
		idx, err := rand.Int(rand.Reader, maxIdx)
		if err != nil {
			// crypto/rand only fails if the platform source is broken
			panic(err)
		}
		out[i] = shortIDAlphabet[idx.Int64()]
	}
	return string(out)
}
