// Package idgen generates the opaque, client-side unique strings used as
// envelope ids. The hub router builds its correlation ids itself, from the
// admin's peer_id and envelope id.
package idgen

import (
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Generate returns a 24-character opaque alphanumeric id, unique enough per
// sender to serve as the envelope `id` correlation key (spec §3).
func Generate() string {
	id, err := gonanoid.Generate(alphabet, 24)
	if err != nil {
		panic(fmt.Sprintf("idgen: generate: %v", err))
	}
	return id
}
