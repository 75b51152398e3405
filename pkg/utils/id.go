package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GenerateClientID generates the per-run client identity sent to the
// rendezvous server. One client process owns exactly one.
func GenerateClientID() string {
	return uuid.NewString()
}

// GenerateMatchCycleID generates a unique ID for one match cycle, used to
// correlate logs and trace spans across a setup/teardown pair.
func GenerateMatchCycleID() string {
	return GenerateID("match")
}

// GenerateID generates a prefixed unique ID.
func GenerateID(prefix string) string {
	timestamp := time.Now().UnixNano()
	b := make([]byte, 4)
	rand.Read(b)
	return fmt.Sprintf("%s_%d_%s", prefix, timestamp, hex.EncodeToString(b))
}
