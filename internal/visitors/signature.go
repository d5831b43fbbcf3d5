// Package visitors computes privacy-first visitor identities. IP addresses
// are never stored, only hashed into the session signature.
package visitors

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Signature computes the session identity hash for a beacon: SHA-256 over
// the client IP, the User-Agent and an optional salt, NUL-separated so field
// boundaries cannot collide. ip may be empty when IP collection is disabled.
func Signature(ip, userAgent, salt string) string {
	h := sha256.New()
	h.Write([]byte(ip))
	h.Write([]byte{0})
	h.Write([]byte(userAgent))
	h.Write([]byte{0})
	h.Write([]byte(salt))
	return hex.EncodeToString(h.Sum(nil))
}

// AggressiveSalt builds the salt used when a service opts into aggressive
// hash salting: the service identity plus the current UTC date, so sessions
// expire naturally at day boundaries and cannot be correlated across
// services.
func AggressiveSalt(serviceID uint, now time.Time) string {
	return fmt.Sprintf("%d-%s", serviceID, now.UTC().Format("2006-01-02"))
}
