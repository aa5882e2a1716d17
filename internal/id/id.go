// Package id generates opaque identifiers and reply tokens.
package id

import (
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const alphanum = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// New returns a 24-character alphanumeric identifier, used for command
// and message ids.
func New() string {
	id, err := gonanoid.Generate(alphanum, 24)
	if err != nil {
		panic(fmt.Sprintf("generate nanoid: %v", err))
	}
	return id
}

// NewReplyToken returns a URL-safe reply token carrying at least 128
// bits of entropy (22 chars over a 64-symbol alphabet = 132 bits),
// which makes collisions vanishingly unlikely at any realistic mint
// rate.
func NewReplyToken() string {
	tok, err := gonanoid.Generate(alphanum+"-_", 22)
	if err != nil {
		panic(fmt.Sprintf("generate reply token: %v", err))
	}
	return tok
}
