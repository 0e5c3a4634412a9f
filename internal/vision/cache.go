package vision

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"

	"github.com/rs/zerolog/log"
)

// CacheStore persists identification results keyed by photo-set hash.
type CacheStore interface {
	GetVisionCache(photoHash string) ([]byte, error)
	SetVisionCache(photoHash string, data []byte) error
}

// CachedIdentifier wraps an Identifier with store-backed caching, so
// re-enqueueing the same photo set does not spend another provider call.
type CachedIdentifier struct {
	inner Identifier
	store CacheStore
}

// NewCachedIdentifier creates a cached identifier.
func NewCachedIdentifier(inner Identifier, store CacheStore) *CachedIdentifier {
	return &CachedIdentifier{inner: inner, store: store}
}

// hashPhotos creates a SHA256 hash from photo data.
// Includes length prefix for each photo to prevent boundary collisions.
func hashPhotos(photos [][]byte) string {
	h := sha256.New()
	for _, photo := range photos {
		// Write length to prevent boundary collisions (e.g. [A,B] vs [AB])
		binary.Write(h, binary.LittleEndian, int64(len(photo)))
		h.Write(photo)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Identify implements the Identifier interface with caching.
func (c *CachedIdentifier) Identify(ctx context.Context, photos [][]byte) (*Result, error) {
	hash := hashPhotos(photos)

	if c.store != nil {
		data, err := c.store.GetVisionCache(hash)
		if err != nil {
			log.Warn().Err(err).Msg("failed to check vision cache")
		} else if data != nil {
			var item Identification
			if err := json.Unmarshal(data, &item); err != nil {
				log.Warn().Err(err).Msg("failed to decode vision cache entry")
			} else {
				log.Debug().Str("hash", hash[:16]).Msg("vision cache hit")
				// Zero usage for cached result
				return &Result{Item: &item}, nil
			}
		}
	}

	result, err := c.inner.Identify(ctx, photos)
	if err != nil {
		return nil, err
	}

	if c.store != nil && result.Item != nil {
		data, err := json.Marshal(result.Item)
		if err == nil {
			err = c.store.SetVisionCache(hash, data)
		}
		if err != nil {
			log.Warn().Err(err).Msg("failed to cache vision result")
		} else {
			log.Debug().Str("hash", hash[:16]).Msg("cached vision result")
		}
	}

	return result, nil
}
