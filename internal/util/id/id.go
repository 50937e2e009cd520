package id

import (
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// New returns a 21-character nanoid using an alphanumeric alphabet (A-Za-z0-9).
// Used for job IDs and other wire-visible identifiers.
func New() string {
	id, err := gonanoid.Generate(alphabet, 21)
	if err != nil {
		panic(fmt.Sprintf("generate nanoid: %v", err))
	}
	return id
}
