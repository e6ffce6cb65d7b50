package rediscluster

import (
	"context"
	"sync"

	"github.com/qiyu-zhao/redroute/redis"
)

// MultiKind is the closed set of multi-key command kinds the coordinator
// can decompose. The cluster protocol does not support these atomically
// across slots; anything outside this set fails fast instead of being
// silently approximated.
type MultiKind int

const (
	KindMGet MultiKind = iota
	KindDel
	KindMSet
)

func (k MultiKind) String() string {
	switch k {
	case KindMGet:
		return "MGET"
	case KindDel:
		return "DEL"
	case KindMSet:
		return "MSET"
	default:
		return "unknown"
	}
}

// slotGroup collects the input positions of keys sharing one hash slot.
type slotGroup struct {
	slot    uint16
	indices []int
}

func groupBySlot(keys []string) []slotGroup {
	bySlot := make(map[uint16]int, len(keys))
	var groups []slotGroup
	for i, key := range keys {
		slot := Slot(key)
		gi, ok := bySlot[slot]
		if !ok {
			gi = len(groups)
			bySlot[slot] = gi
			groups = append(groups, slotGroup{slot: slot})
		}
		groups[gi].indices = append(groups[gi].indices, i)
	}
	return groups
}

// ExecuteMulti runs a keys-only multi-key command. MSET carries values and
// goes through ExecuteMultiSet; requesting it here is an unsupported kind.
func (c *Cluster) ExecuteMulti(ctx context.Context, kind MultiKind, keys []string) (interface{}, int, error) {
	switch kind {
	case KindMGet:
		res, retries, err := c.MGet(ctx, keys)
		return res, retries, err
	case KindDel:
		res, retries, err := c.Del(ctx, keys)
		return res, retries, err
	case KindMSet:
		return nil, 0, redis.ErrUnsupportedMultiKey.New("MSET takes key/value pairs, use ExecuteMultiSet")
	default:
		return nil, 0, redis.ErrUnsupportedMultiKey.New("unsupported multi-key kind %d", int(kind))
	}
}

// ExecuteMultiSet runs a cross-slot MSET.
func (c *Cluster) ExecuteMultiSet(ctx context.Context, pairs []redis.KV) (int, error) {
	return c.MSet(ctx, pairs)
}

// MGet fetches every key, fanning sub-commands out per distinct slot. The
// result preserves the order of the input keys exactly, whatever the slot
// grouping and reply order were; duplicate keys each get their value. When
// some slots fail, the successful values are still filled in and the error
// lists the keys that could not be fetched.
func (c *Cluster) MGet(ctx context.Context, keys []string) ([]interface{}, int, error) {
	if len(keys) == 0 {
		return []interface{}{}, 0, nil
	}
	groups := groupBySlot(keys)
	results := make([]interface{}, len(keys))

	retries, groupErrs := c.fanOut(groups, func(gi int, g slotGroup) (int, error) {
		args := make([]interface{}, len(g.indices))
		for j, idx := range g.indices {
			args[j] = keys[idx]
		}
		res, n, err := c.Execute(ctx, redis.Req("MGET", args...))
		if err != nil {
			return n, err
		}
		arr, ok := res.([]interface{})
		if !ok || len(arr) != len(g.indices) {
			return n, redis.ErrResponseUnexpected.New("MGET returned %T for %d keys", res, len(g.indices))
		}
		// place each value at the index of its source key, not in
		// execution order
		for j, idx := range g.indices {
			results[idx] = arr[j]
		}
		return n, nil
	})

	err := c.joinErrors(KindMGet, keys, groups, groupErrs)
	return results, retries, err
}

// Del deletes every key and returns the total number deleted across slots.
func (c *Cluster) Del(ctx context.Context, keys []string) (int64, int, error) {
	if len(keys) == 0 {
		return 0, 0, nil
	}
	groups := groupBySlot(keys)
	counts := make([]int64, len(groups))

	retries, groupErrs := c.fanOut(groups, func(gi int, g slotGroup) (int, error) {
		args := make([]interface{}, len(g.indices))
		for j, idx := range g.indices {
			args[j] = keys[idx]
		}
		res, n, err := c.Execute(ctx, redis.Req("DEL", args...))
		if err != nil {
			return n, err
		}
		cnt, cerr := redis.ReplyToInt64(res)
		if cerr != nil {
			return n, cerr
		}
		counts[gi] = cnt
		return n, nil
	})

	var total int64
	for _, cnt := range counts {
		total += cnt
	}
	err := c.joinErrors(KindDel, keys, groups, groupErrs)
	return total, retries, err
}

// MSet writes every pair. Success requires every sub-slot to succeed. On a
// sub-slot failure the error carries exactly the keys that were NOT
// confirmed written; slots that did succeed are not rolled back, because a
// cross-slot MSET is not atomic and pretending otherwise would mask it.
func (c *Cluster) MSet(ctx context.Context, pairs []redis.KV) (int, error) {
	if len(pairs) == 0 {
		return 0, nil
	}
	keys := make([]string, len(pairs))
	for i, kv := range pairs {
		keys[i] = kv.Key
	}
	groups := groupBySlot(keys)

	retries, groupErrs := c.fanOut(groups, func(gi int, g slotGroup) (int, error) {
		args := make([]interface{}, 0, 2*len(g.indices))
		for _, idx := range g.indices {
			args = append(args, pairs[idx].Key, pairs[idx].Value)
		}
		res, n, err := c.Execute(ctx, redis.Req("MSET", args...))
		if err != nil {
			return n, err
		}
		if !redis.ReplyIsOK(res) {
			return n, redis.ErrResponseUnexpected.New("MSET returned %v", res)
		}
		return n, nil
	})

	return retries, c.joinErrors(KindMSet, keys, groups, groupErrs)
}

// fanOut runs one task per distinct slot, concurrently when more than one
// slot is touched, and joins them all. Each task routes through Execute, so
// every sub-command gets its own redirect handling. The per-command
// deadline inside Execute bounds a hung node; the join never outlives it.
func (c *Cluster) fanOut(groups []slotGroup, task func(int, slotGroup) (int, error)) (int, []error) {
	groupErrs := make([]error, len(groups))
	groupRetries := make([]int, len(groups))

	if len(groups) == 1 {
		// all keys share one slot: a single native command, no fan-out
		groupRetries[0], groupErrs[0] = task(0, groups[0])
	} else {
		var wg sync.WaitGroup
		wg.Add(len(groups))
		for i := range groups {
			go func(i int) {
				defer wg.Done()
				groupRetries[i], groupErrs[i] = task(i, groups[i])
			}(i)
		}
		wg.Wait()
	}

	retries := 0
	for _, n := range groupRetries {
		retries += n
	}
	return retries, groupErrs
}

// joinErrors folds per-group failures into the multi-key error contract:
// nil when everything succeeded; the sub-error itself when there was no
// fan-out to speak of (single slot); otherwise a partial failure carrying
// the keys of the failed slots in input order.
func (c *Cluster) joinErrors(kind MultiKind, keys []string, groups []slotGroup, groupErrs []error) error {
	var firstErr error
	failed := 0
	for _, err := range groupErrs {
		if err == nil {
			continue
		}
		failed++
		if firstErr == nil {
			firstErr = err
		}
	}
	if failed == 0 {
		return nil
	}
	if len(groups) == 1 {
		return firstErr
	}

	failedIdx := make(map[int]bool)
	for gi, err := range groupErrs {
		if err == nil {
			continue
		}
		for _, idx := range groups[gi].indices {
			failedIdx[idx] = true
		}
	}
	failedKeys := make([]string, 0, len(failedIdx))
	for i, key := range keys {
		if failedIdx[i] {
			failedKeys = append(failedKeys, key)
		}
	}
	return redis.ErrPartialMultiKey.Wrap(firstErr, "%s failed on %d of %d slots", kind, failed, len(groups)).
		WithProperty(redis.EKFailedKeys, failedKeys)
}
