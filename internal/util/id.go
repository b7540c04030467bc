// Package util holds the identifier helpers shared by the API and its store.
package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a time-ordered identifier, namespaced as prefix_hex when
// prefix is set.
func NewID(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	hex := strings.ReplaceAll(id.String(), "-", "")
	if prefix == "" {
		return hex
	}
	return prefix + "_" + hex
}
