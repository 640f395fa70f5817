// Package slug implements the deterministic bracket-identifier source.
//
// Given a wall-clock reference, it emits the slugs of the current and
// nearby 15-minute brackets. It is pure and deterministic: no I/O, no
// shared state, so it needs no constructor and no mutex.
package slug

import (
	"fmt"
	"time"

	"bracketarb/pkg/types"
)

// DefaultOffsets is the default sequence of bucket offsets checked on every
// catalog refresh: current bucket, one bucket back, then the next two.
var DefaultOffsets = []int{0, -1, 1, 2}

// BucketStart floors t to the most recent 15-minute boundary.
func BucketStart(t time.Time) time.Time {
	secs := t.Unix()
	aligned := secs - secs%types.BucketSeconds
	return time.Unix(aligned, 0).UTC()
}

// SlugForBucket renders the canonical slug for a bucket start time.
// Invariant: the decoded bucket seconds are always divisible by 900.
func SlugForBucket(bucket time.Time) string {
	return fmt.Sprintf("btc-updown-15m-%d", bucket.Unix())
}

// CandidateSlugs returns a de-duplicated, ordered list of slugs for the
// buckets at now's 15-minute boundary plus each offset (in units of 15
// minutes). Order is preserved and duplicates are dropped.
func CandidateSlugs(now time.Time, offsets []int) []string {
	if offsets == nil {
		offsets = DefaultOffsets
	}
	base := BucketStart(now)

	seen := make(map[string]struct{}, len(offsets))
	out := make([]string, 0, len(offsets))
	for _, off := range offsets {
		bucket := base.Add(time.Duration(off) * types.BucketSeconds * time.Second)
		s := SlugForBucket(bucket)
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// BucketSecondsFromSlug decodes the aligned Unix-second timestamp encoded in a
// slug produced by this package. Returns false if the slug is not in the
// expected format.
func BucketSecondsFromSlug(s string) (int64, bool) {
	var secs int64
	n, err := fmt.Sscanf(s, "btc-updown-15m-%d", &secs)
	if err != nil || n != 1 {
		return 0, false
	}
	return secs, true
}
