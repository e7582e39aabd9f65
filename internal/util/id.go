package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewID mints an entity id like "itm_4f9d...". The prefix keeps ids
// self-describing in logs; an empty prefix yields a bare uuid.
func NewID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
