package id

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	seen := make(map[string]bool)
	for range 100 {
		got := New()
		require.Len(t, got, 24)
		for _, r := range got {
			require.Contains(t, alphanum, string(r))
		}
		require.False(t, seen[got], "duplicate id %s", got)
		seen[got] = true
	}
}

func TestNewReplyToken(t *testing.T) {
	tok := NewReplyToken()
	require.Len(t, tok, 22)

	// Tokens travel inside callback payloads split on ":".
	require.NotContains(t, tok, ":")
	require.False(t, strings.ContainsAny(tok, " \t\n"))
}
