package common

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewID returns a 12-hex-char identifier, optionally prefixed ("chat" ->
// "chat_a1b2c3d4e5f6"). Short ids keep file names and URLs readable while
// staying unique enough for a single-node store.
func NewID(prefix string) string {
	token := strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
	if prefix == "" {
		return token
	}
	return prefix + "_" + token
}

// NowRFC3339 returns the current UTC time as an RFC 3339 string with a
// fixed nine-digit nanosecond fraction. Lexical order of these strings is
// chronological, which list sorting and session ordering rely on.
func NowRFC3339() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}
