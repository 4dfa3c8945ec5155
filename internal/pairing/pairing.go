package pairing

import (
	"crypto/rand"
	"math/big"
	"strings"
)

// Alphabet omits 0/O and 1/I/L so codes survive being read aloud or retyped.
const Alphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const CodeLength = 6

var alphabetSize = big.NewInt(int64(len(Alphabet)))

// Generate returns a fresh pairing code drawn from crypto/rand.
func Generate() string {
	buf := make([]byte, CodeLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, alphabetSize)
		if err != nil {
			panic("pairing: crypto/rand unavailable: " + err.Error())
		}
		buf[i] = Alphabet[n.Int64()]
	}
	return string(buf)
}

func Valid(code string) bool {
	if len(code) != CodeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		if strings.IndexByte(Alphabet, code[i]) < 0 {
			return false
		}
	}
	return true
}

// Normalize cleans up a code as typed by a person.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
