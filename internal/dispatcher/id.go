package dispatcher

import gonanoid "github.com/matoous/go-nanoid/v2"

const (
	idAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	IDLength   = 6
)

// IDGenerator returns a candidate job id. Uniqueness is checked by the store.
type IDGenerator func() (string, error)

// NanoID draws 6 alphanumeric characters.
func NanoID() IDGenerator {
	return func() (string, error) {
		return gonanoid.Generate(idAlphabet, IDLength)
	}
}
