package kvstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/execution-hub/regflow/internal/domain/kv"
	"github.com/execution-hub/regflow/internal/domain/registration"
)

const (
	recordKeyPrefix = "account:"
	recordIndexKey  = "account_index"
)

// RecordCache implements registration.RecordRepository on any kv.Store.
// Records live under "account:<email>" and an index key lists the emails.
type RecordCache struct {
	store kv.Store
	mu    sync.Mutex
}

var _ registration.RecordRepository = (*RecordCache)(nil)

func NewRecordCache(store kv.Store) *RecordCache {
	return &RecordCache{store: store}
}

func recordKey(email string) string {
	return recordKeyPrefix + email
}

func (c *RecordCache) Save(ctx context.Context, rec *registration.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, err := c.get(ctx, rec.Email)
	if err != nil {
		return err
	}
	toStore := *rec
	if existing != nil {
		if err := existing.Merge(*rec); err != nil {
			return err
		}
		toStore = *existing
	}
	data, err := json.Marshal(toStore)
	if err != nil {
		return err
	}

	index, err := c.index(ctx)
	if err != nil {
		return err
	}
	entries := map[string][]byte{recordKey(rec.Email): data}
	if !contains(index, rec.Email) {
		index = append(index, rec.Email)
		raw, err := json.Marshal(index)
		if err != nil {
			return err
		}
		entries[recordIndexKey] = raw
	}
	return c.store.SetMany(ctx, entries)
}

func (c *RecordCache) Get(ctx context.Context, email string) (*registration.Record, error) {
	return c.get(ctx, email)
}

func (c *RecordCache) get(ctx context.Context, email string) (*registration.Record, error) {
	data, err := c.store.Get(ctx, recordKey(email))
	if err != nil || data == nil {
		return nil, err
	}
	var rec registration.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", email, err)
	}
	return &rec, nil
}

// List returns records newest first.
func (c *RecordCache) List(ctx context.Context, limit int) ([]*registration.Record, error) {
	index, err := c.index(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*registration.Record, 0, len(index))
	for _, email := range index {
		rec, err := c.get(ctx, email)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (c *RecordCache) Delete(ctx context.Context, email string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	index, err := c.index(ctx)
	if err != nil {
		return err
	}
	kept := index[:0]
	for _, e := range index {
		if e != email {
			kept = append(kept, e)
		}
	}
	raw, err := json.Marshal(kept)
	if err != nil {
		return err
	}
	if err := c.store.Set(ctx, recordIndexKey, raw); err != nil {
		return err
	}
	return c.store.Remove(ctx, recordKey(email))
}

func (c *RecordCache) index(ctx context.Context) ([]string, error) {
	data, err := c.store.Get(ctx, recordIndexKey)
	if err != nil || data == nil {
		return nil, err
	}
	var index []string
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("decode record index: %w", err)
	}
	return index, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
