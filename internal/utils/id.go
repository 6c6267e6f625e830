package utils

import "github.com/google/uuid"

// GenerateID returns a random RFC 4122 identifier used for sessions and commands
func GenerateID() string {
	return uuid.NewString()
}

// ShortID returns the first eight characters of id for log lines
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
