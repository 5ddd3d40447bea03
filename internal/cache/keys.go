package cache

import (
	"crypto/sha256"
	"fmt"

	"github.com/google/uuid"
)

func HiveCapacityKey(hiveID uuid.UUID) string {
	return fmt.Sprintf("hive:capacity:%s", hiveID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}

func LinkRateLimitKey(remoteIP string) string {
	return fmt.Sprintf("ratelimit:link:%s", remoteIP)
}

// MagicLinkViewKey hashes the raw link token so the signed JWT never lands
// in redis verbatim.
func MagicLinkViewKey(raw string) string {
	return fmt.Sprintf("link:view:%x", sha256.Sum256([]byte(raw)))
}
