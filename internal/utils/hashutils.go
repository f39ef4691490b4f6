package utils

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"time"
)

// IdempotencyTimeBucket is the coarse bucket applied to detection times when
// deriving idempotency keys. Two sightings of the same change inside one
// bucket collapse to the same key.
const IdempotencyTimeBucket = 5 * time.Second

// IdempotencyKey derives the deterministic identity of a filesystem change.
// Equal inputs always produce equal keys, so replays collapse to the same
// downstream outcome.
func IdempotencyKey(libraryID, rootID uint, kind, path string, detectedAt time.Time) string {
	bucket := detectedAt.UTC().Truncate(IdempotencyTimeBucket).Unix()
	sum := sha1.Sum([]byte(fmt.Sprintf("%d:%d:%s:%s:%d", libraryID, rootID, kind, path, bucket)))
	return hex.EncodeToString(sum[:])
}

// Fingerprint derives the identity of a media item from its path and stat
// attributes. Used to detect changes and to map replays onto the same
// logical media id.
func Fingerprint(path string, size int64, modTime time.Time) string {
	sum := sha1.Sum([]byte(fmt.Sprintf("%s:%d:%d", path, size, modTime.UTC().UnixNano())))
	return hex.EncodeToString(sum[:])
}
