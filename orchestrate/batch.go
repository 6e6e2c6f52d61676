package orchestrate

import (
	"fmt"
	"sync"
)

// Item is one unit of work within a batch: its position, source text, and
// an optional caller-supplied identifier, per spec §3.4.
type Item struct {
	Index    int
	Text     string
	CustomID *string
}

// ValidationError is raised synchronously, before any task is created, for
// malformed batch input (spec §4.2 "Normalizes custom_ids").
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return "orchestrate: " + e.Message }

// mangleBatchID applies the caller-prefix + unix-second suffix scheme of
// spec §3.4, disambiguated within a process by a monotonically increasing
// suffix counter so two batches started within the same second never
// collide (the spec's "ensured unique ... by suffix monotonicity").
var batchSeq struct {
	mu   sync.Mutex
	last int64
}

func mangleBatchID(prefix string, nowUnix int64) string {
	if prefix == "" {
		prefix = "batch"
	}

	batchSeq.mu.Lock()
	if nowUnix <= batchSeq.last {
		nowUnix = batchSeq.last + 1
	}
	batchSeq.last = nowUnix
	batchSeq.mu.Unlock()

	return fmt.Sprintf("%s_%d", prefix, nowUnix)
}

// buildItems normalizes texts and customIDs into an ordered slice of Item,
// per spec §3.4 and §4.2. customIDs must be nil or exactly len(texts) long;
// a mismatch is a *ValidationError raised before any task is created.
// Missing (nil) entries are synthesized later as "{batch_id}_req_{index}".
func buildItems(texts []string, customIDs []*string) ([]Item, error) {
	if customIDs != nil && len(customIDs) != len(texts) {
		return nil, &ValidationError{Message: fmt.Sprintf(
			"custom_ids length %d does not match texts length %d", len(customIDs), len(texts))}
	}

	items := make([]Item, len(texts))
	for i, text := range texts {
		item := Item{Index: i, Text: text}
		if customIDs != nil {
			item.CustomID = customIDs[i]
		}
		items[i] = item
	}
	return items, nil
}

// resolveCustomID returns the item's custom id, synthesizing
// "{batch_id}_req_{index}" when none was supplied, per spec §3.4.
func resolveCustomID(batchID string, item Item) string {
	if item.CustomID != nil {
		return *item.CustomID
	}
	return fmt.Sprintf("%s_req_%d", batchID, item.Index)
}
