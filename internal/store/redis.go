package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/portfolio-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the shared market-data pool. Writes go to the primary store and
// invalidate the cache; reads check Redis first then fall back to the
// primary. Portfolio state is never cached.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// Ping checks both the primary store and Redis.
func (s *CachedStore) Ping(ctx context.Context) error {
	if err := s.Store.Ping(ctx); err != nil {
		return err
	}
	return s.rdb.Ping(ctx).Err()
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) UpsertEvents(ctx context.Context, events []model.Event) error {
	if err := s.Store.UpsertEvents(ctx, events); err != nil {
		return err
	}
	s.rdb.Del(ctx, eventsKey)
	return nil
}

// UpsertMarkets invalidates the member sets of both the new and the
// previously stored event of every market, so a market that moves between
// events leaves the old event's set.
func (s *CachedStore) UpsertMarkets(ctx context.Context, markets []model.Market) error {
	ids := make([]string, len(markets))
	for i, m := range markets {
		ids[i] = m.ID
	}
	previous, err := s.Store.GetMarkets(ctx, ids)
	if err != nil {
		slog.Warn("cache: previous market lookup failed", "err", err)
	}

	if err := s.Store.UpsertMarkets(ctx, markets); err != nil {
		return err
	}

	keys := make([]string, 0, 2*len(markets))
	seen := make(map[string]struct{})
	addEvent := func(eventID string) {
		if _, ok := seen[eventID]; !ok {
			seen[eventID] = struct{}{}
			keys = append(keys, eventMarketsKey(eventID))
		}
	}
	for _, m := range markets {
		keys = append(keys, marketKey(m.ID))
		addEvent(m.EventID)
	}
	for _, m := range previous {
		addEvent(m.EventID)
	}
	s.invalidate(ctx, keys)
	return nil
}

func (s *CachedStore) UpdateMarketPrices(ctx context.Context, quotes []model.Quote) error {
	if err := s.Store.UpdateMarketPrices(ctx, quotes); err != nil {
		return err
	}
	keys := make([]string, 0, len(quotes))
	for _, q := range quotes {
		keys = append(keys, marketKey(q.MarketID))
	}
	s.invalidate(ctx, keys)
	return nil
}

// --- Read-through (check cache first) ---

// cachedEvent carries the raw payload the model hides from JSON.
type cachedEvent struct {
	model.Event
	Raw json.RawMessage `json:"raw_payload,omitempty"`
}

func (s *CachedStore) ListEvents(ctx context.Context) ([]model.Event, error) {
	data, err := s.rdb.Get(ctx, eventsKey).Bytes()
	if err == nil {
		var cached []cachedEvent
		if json.Unmarshal(data, &cached) == nil {
			events := make([]model.Event, len(cached))
			for i, c := range cached {
				events[i] = c.Event
				events[i].RawPayload = c.Raw
			}
			return events, nil
		}
	}

	// Cache miss: read from primary.
	events, err := s.Store.ListEvents(ctx)
	if err != nil {
		return nil, err
	}

	cached := make([]cachedEvent, len(events))
	for i, e := range events {
		cached[i] = cachedEvent{Event: e}
		if json.Valid(e.RawPayload) {
			cached[i].Raw = e.RawPayload
		}
	}
	if data, err := json.Marshal(cached); err == nil {
		s.rdb.Set(ctx, eventsKey, data, s.ttl)
	}
	return events, nil
}

func (s *CachedStore) ListMarketsByEvents(ctx context.Context, eventIDs []string) ([]model.Market, error) {
	var ids []string
	var missing []string
	for _, eventID := range eventIDs {
		members, err := s.rdb.SMembers(ctx, eventMarketsKey(eventID)).Result()
		if err != nil || len(members) == 0 {
			missing = append(missing, eventID)
			continue
		}
		ids = append(ids, members...)
	}

	if len(missing) > 0 {
		markets, err := s.Store.ListMarketsByEvents(ctx, missing)
		if err != nil {
			return nil, err
		}
		byEvent := make(map[string][]any)
		for _, m := range markets {
			ids = append(ids, m.ID)
			byEvent[m.EventID] = append(byEvent[m.EventID], m.ID)
		}
		pipe := s.rdb.Pipeline()
		for eventID, members := range byEvent {
			pipe.SAdd(ctx, eventMarketsKey(eventID), members...)
			pipe.Expire(ctx, eventMarketsKey(eventID), s.ttl)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			slog.Warn("cache event markets failed", "err", err)
		}
	}

	return s.GetMarkets(ctx, ids)
}

func (s *CachedStore) GetMarkets(ctx context.Context, ids []string) ([]model.Market, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	ids = dedupe(ids)

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = marketKey(id)
	}

	found := make(map[string]model.Market, len(ids))
	var missing []string
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	for i, id := range ids {
		if err != nil || vals[i] == nil {
			missing = append(missing, id)
			continue
		}
		raw, _ := vals[i].(string)
		var m model.Market
		if json.Unmarshal([]byte(raw), &m) != nil {
			missing = append(missing, id)
			continue
		}
		found[id] = m
	}

	if len(missing) > 0 {
		markets, err := s.Store.GetMarkets(ctx, missing)
		if err != nil {
			return nil, err
		}
		pipe := s.rdb.Pipeline()
		for _, m := range markets {
			found[m.ID] = m
			if data, err := json.Marshal(m); err == nil {
				pipe.Set(ctx, marketKey(m.ID), data, s.ttl)
			}
		}
		if _, err := pipe.Exec(ctx); err != nil {
			slog.Warn("cache markets failed", "err", err)
		}
	}

	out := make([]model.Market, 0, len(found))
	for _, id := range ids {
		if m, ok := found[id]; ok {
			out = append(out, m)
		}
	}
	sortMarkets(out)
	return out, nil
}

// --- Cache helpers ---

func (s *CachedStore) invalidate(ctx context.Context, keys []string) {
	if len(keys) == 0 {
		return
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		slog.Warn("cache invalidation failed", "keys", len(keys), "err", err)
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

const eventsKey = "events:all"

func marketKey(id string) string            { return fmt.Sprintf("market:%s", id) }
func eventMarketsKey(eventID string) string { return fmt.Sprintf("event_markets:%s", eventID) }
