package services

import (
	"strings"

	"github.com/google/uuid"
)

// shortID returns a compact random identifier of n hex characters.
func shortID(n int) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if n > len(id) {
		n = len(id)
	}
	return id[:n]
}
