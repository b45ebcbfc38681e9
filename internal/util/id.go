package util

import (
	"strings"

	"github.com/google/uuid"
)

// ProvisionalPrefix marks ids assigned locally before the remote source confirms an entry.
// Remote ids never carry it.
const ProvisionalPrefix = "tmp_"

func NewID(prefix string) string {
	value := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return value
	}
	return prefix + "_" + value
}

func NewProvisionalID() string {
	return ProvisionalPrefix + uuid.NewString()
}

func IsProvisionalID(id string) bool {
	return strings.HasPrefix(id, ProvisionalPrefix)
}
