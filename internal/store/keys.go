package store

import (
	"crypto/sha256"
	"encoding/hex"
)

// KeyPrefix namespaces every key this module writes.
const KeyPrefix = "realms."

// IdentityKey holds the per-install identity token.
const IdentityKey = KeyPrefix + "identity"

// RemoteKey latches "revealed remote content" for a cache key.
func RemoteKey(cacheKey string) string { return KeyPrefix + "revealed_remote." + cacheKey }

// LocalKey latches "revealed only local content" for a cache key.
func LocalKey(cacheKey string) string { return KeyPrefix + "revealed_local." + cacheKey }

// DestinationKey holds the last resolved destination for a cache key.
func DestinationKey(cacheKey string) string { return KeyPrefix + "destination." + cacheKey }

// CacheKeys lists the latch and destination keys stored for cacheKey.
func CacheKeys(cacheKey string) []string {
	return []string{RemoteKey(cacheKey), LocalKey(cacheKey), DestinationKey(cacheKey)}
}

// PathTokenKey holds the preserved pathid for an original (pre-identity) URL.
// The URL is hashed so that keys stay short and stable across processes.
func PathTokenKey(originalURL string) string {
	return KeyPrefix + "path_token." + HashURL(originalURL)
}

// HashURL returns the first 16 hex chars of the URL's SHA-256.
func HashURL(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	return hex.EncodeToString(sum[:])[:16]
}
