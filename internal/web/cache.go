package web

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/coocood/freecache"
	"github.com/joshdurbin/strava-stats/internal/logging"
	"github.com/joshdurbin/strava-stats/internal/metrics"
	"github.com/joshdurbin/strava-stats/internal/strava"
	"github.com/joshdurbin/strava-stats/internal/sync"
)

const (
	megabyte = 1024 * 1024

	// keyReserve covers the cache key and freecache's entry header
	keyReserve = 512
)

// cachedYear records how many chunks hold one year's activities
type cachedYear struct {
	Year   int `json:"year"`
	Chunks int `json:"chunks"`
}

type rangeManifest struct {
	From       int          `json:"from"`
	To         int          `json:"to"`
	Years      []cachedYear `json:"years"`
	Incomplete []int        `json:"incomplete"`
}

// snapshotCache keeps fetched ranges per access token so switching between
// activity types re-aggregates instead of paging through Strava again. A range
// is stored as a manifest plus the years' activities, split into chunks that
// each fit freecache's per-entry limit of 1/1024 of the cache size. Activities
// are stored as the JSON Strava returned.
type snapshotCache struct {
	cache    *freecache.Cache
	ttl      time.Duration
	maxChunk int
	metrics  *metrics.Manager
}

func newSnapshotCache(sizeMB int, ttl time.Duration, m *metrics.Manager) *snapshotCache {
	if sizeMB <= 0 {
		sizeMB = 64
	}
	return &snapshotCache{
		cache:    freecache.NewCache(sizeMB * megabyte),
		ttl:      ttl,
		maxChunk: sizeMB*megabyte/1024 - keyReserve,
		metrics:  m,
	}
}

// tokenDigest keeps raw tokens out of cache keys
func tokenDigest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func manifestKey(token string, from, to int) []byte {
	return []byte(fmt.Sprintf("range::%s::%d-%d", tokenDigest(token), from, to))
}

func chunkKey(token string, from, to, year, chunk int) []byte {
	return []byte(fmt.Sprintf("year::%s::%d-%d::%d::%d", tokenDigest(token), from, to, year, chunk))
}

func (c *snapshotCache) get(token string, from, to int) (sync.Snapshot, bool) {
	data, err := c.cache.Get(manifestKey(token, from, to))
	if err != nil {
		c.observe("miss")
		return sync.Snapshot{}, false
	}

	var manifest rangeManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		c.observe("corrupt")
		return sync.Snapshot{}, false
	}

	snapshot := sync.Snapshot{
		From:       manifest.From,
		To:         manifest.To,
		Activities: make(strava.ActivitiesByYear, len(manifest.Years)),
		Incomplete: manifest.Incomplete,
	}
	for _, entry := range manifest.Years {
		activities := []strava.Activity{}
		for chunk := 0; chunk < entry.Chunks; chunk++ {
			data, err := c.cache.Get(chunkKey(token, from, to, entry.Year, chunk))
			if err != nil {
				// evicted independently of the manifest
				c.observe("miss")
				return sync.Snapshot{}, false
			}
			var part []strava.Activity
			if err := json.Unmarshal(data, &part); err != nil {
				c.observe("corrupt")
				return sync.Snapshot{}, false
			}
			activities = append(activities, part...)
		}
		snapshot.Activities[entry.Year] = activities
	}

	c.observe("hit")
	return snapshot, true
}

// set stores snapshot. Chunks are written before the manifest so a reader
// never sees a manifest whose chunks are not there yet.
func (c *snapshotCache) set(token string, snapshot sync.Snapshot) error {
	ttl := int(c.ttl.Seconds())
	manifest := rangeManifest{
		From:       snapshot.From,
		To:         snapshot.To,
		Years:      make([]cachedYear, 0, len(snapshot.Activities)),
		Incomplete: snapshot.Incomplete,
	}

	for year, activities := range snapshot.Activities {
		chunks, err := c.chunk(activities)
		if err != nil {
			if errors.Is(err, freecache.ErrLargeEntry) {
				logging.Logger.Warn().Err(err).Int("year", year).Msg("activity too large to cache")
				c.observe("too_large")
			}
			return fmt.Errorf("caching year %d: %w", year, err)
		}
		for i, data := range chunks {
			if err := c.cache.Set(chunkKey(token, snapshot.From, snapshot.To, year, i), data, ttl); err != nil {
				return fmt.Errorf("caching year %d chunk %d: %w", year, i, err)
			}
		}
		manifest.Years = append(manifest.Years, cachedYear{Year: year, Chunks: len(chunks)})
	}

	data, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	if err := c.cache.Set(manifestKey(token, snapshot.From, snapshot.To), data, ttl); err != nil {
		return fmt.Errorf("caching manifest: %w", err)
	}
	return nil
}

// chunk encodes activities as JSON arrays of at most maxChunk bytes each. A
// single activity that does not fit on its own fails with ErrLargeEntry.
func (c *snapshotCache) chunk(activities []strava.Activity) ([][]byte, error) {
	var chunks [][]byte
	var buf bytes.Buffer
	flush := func() {
		if buf.Len() == 0 {
			return
		}
		buf.WriteByte(']')
		chunks = append(chunks, bytes.Clone(buf.Bytes()))
		buf.Reset()
	}

	for _, a := range activities {
		data, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("encoding activity %d: %w", a.ID, err)
		}
		if len(data)+2 > c.maxChunk {
			return nil, fmt.Errorf("activity %d is %d bytes: %w", a.ID, len(data), freecache.ErrLargeEntry)
		}
		if buf.Len() > 0 && buf.Len()+1+len(data)+1 > c.maxChunk {
			flush()
		}
		if buf.Len() == 0 {
			buf.WriteByte('[')
		} else {
			buf.WriteByte(',')
		}
		buf.Write(data)
	}
	flush()
	return chunks, nil
}

func (c *snapshotCache) observe(result string) {
	if c.metrics == nil {
		return
	}
	c.metrics.CounterCache.WithLabelValues(result).Inc()
}
