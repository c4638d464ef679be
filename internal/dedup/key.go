// Package dedup derives the idempotency key sent with every dispatched event.
// The event bus drops a second event carrying a key it has already seen.
package dedup

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"polling-scheduler/internal/models"
)

// Source records which part of a result produced a key.
type Source string

const (
	SourceItemIDs   Source = "item_ids"
	SourceCursor    Source = "cursor"
	SourceTimestamp Source = "timestamp"
	SourceClock     Source = "clock"
)

// Key is an idempotency key and its provenance.
type Key struct {
	Value  string
	Source Source
}

func (k Key) String() string {
	return k.Value
}

// NewKey derives the key for a batch observed on a trigger. The same trigger
// and item ids always produce the same key, regardless of item order. Without
// ids it falls back to the new cursor, then the new timestamp, then now in
// Unix milliseconds.
func NewKey(triggerID string, result *models.PollResult, now time.Time) Key {
	part, source := keyPart(result, now)
	return Key{Value: triggerID + ":" + part, Source: source}
}

func keyPart(result *models.PollResult, now time.Time) (string, Source) {
	if result != nil {
		ids := make([]string, 0, len(result.NewData))
		for _, item := range result.NewData {
			if id, ok := models.ItemID(item); ok {
				ids = append(ids, id)
			}
		}
		if len(ids) > 0 {
			sort.Strings(ids)
			return strings.Join(ids, ","), SourceItemIDs
		}

		if result.NewCursor != nil && *result.NewCursor != "" {
			return *result.NewCursor, SourceCursor
		}
		if result.NewTimestamp != nil {
			return result.NewTimestamp.UTC().Format(time.RFC3339Nano), SourceTimestamp
		}
	}

	return strconv.FormatInt(now.UnixMilli(), 10), SourceClock
}
