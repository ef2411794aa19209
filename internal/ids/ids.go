package ids

import (
	"fmt"
	"strings"
	"time"

	"go.jetify.com/typeid"
)

var generateTypeID = func(prefix string) (string, error) {
	id, err := typeid.WithPrefix(prefix)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func NewLabID() string {
	return newID("lab")
}

func NewWorkerID() string {
	return newID("worker")
}

func NewClaimToken() string {
	return newID("claim")
}

// Suffix returns the unique part of a typeid-shaped id, or the id itself
// when it carries no prefix.
func Suffix(id string) string {
	id = strings.TrimSpace(id)
	if i := strings.LastIndex(id, "_"); i >= 0 && i < len(id)-1 {
		return id[i+1:]
	}
	return id
}

func newID(prefix string) string {
	id, err := generateTypeID(prefix)
	if err == nil && strings.TrimSpace(id) != "" {
		return id
	}

	return fmt.Sprintf("%s-%d", prefix, time.Now().UTC().UnixNano())
}
