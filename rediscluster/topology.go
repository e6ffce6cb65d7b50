package rediscluster

import (
	"context"
	"sort"

	"github.com/qiyu-zhao/redroute/redis"
)

// parseClusterSlots turns a CLUSTER SLOTS reply into slot ranges. Replica
// entries are ignored: commands route to masters only.
func parseClusterSlots(res interface{}) ([]SlotRange, error) {
	if err := redis.AsError(res); err != nil {
		return nil, err
	}
	entries, ok := res.([]interface{})
	if !ok {
		return nil, redis.ErrResponseUnexpected.New("CLUSTER SLOTS: array expected, got %T", res)
	}
	ranges := make([]SlotRange, 0, len(entries))
	for _, e := range entries {
		entry, ok := e.([]interface{})
		if !ok || len(entry) < 3 {
			return nil, redis.ErrResponseUnexpected.New("CLUSTER SLOTS: malformed range entry")
		}
		from, err1 := redis.ReplyToInt64(entry[0])
		to, err2 := redis.ReplyToInt64(entry[1])
		if err1 != nil || err2 != nil || from < 0 || to >= NumSlots || from > to {
			return nil, redis.ErrResponseUnexpected.New("CLUSTER SLOTS: bad slot bounds")
		}
		master, err := parseNodeEntry(entry[2])
		if err != nil {
			return nil, err
		}
		ranges = append(ranges, SlotRange{From: int(from), To: int(to), Master: master})
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].From < ranges[j].From })
	return ranges, nil
}

func parseNodeEntry(e interface{}) (redis.NodeEndpoint, error) {
	node, ok := e.([]interface{})
	if !ok || len(node) < 2 {
		return redis.NodeEndpoint{}, redis.ErrResponseUnexpected.New("CLUSTER SLOTS: malformed node entry")
	}
	host, err := redis.ReplyToBytes(node[0])
	if err != nil || len(host) == 0 {
		return redis.NodeEndpoint{}, redis.ErrResponseUnexpected.New("CLUSTER SLOTS: bad node host")
	}
	port, err := redis.ReplyToInt64(node[1])
	if err != nil || port <= 0 || port > 65535 {
		return redis.NodeEndpoint{}, redis.ErrResponseUnexpected.New("CLUSTER SLOTS: bad node port")
	}
	return redis.NodeEndpoint{Host: string(host), Port: int(port)}, nil
}

// fetchTopology queries CLUSTER SLOTS against known endpoints, current
// owners first, then the configured seeds, and installs the first snapshot
// that parses.
func (c *Cluster) fetchTopology(ctx context.Context) error {
	candidates := c.slots.Endpoints()
	for _, seed := range c.seeds {
		candidates = append(candidates, seed)
	}

	var lastErr error
	tried := make(map[redis.NodeEndpoint]bool, len(candidates))
	for _, endpoint := range candidates {
		if tried[endpoint] {
			continue
		}
		tried[endpoint] = true

		res, err := c.ExecuteAt(ctx, endpoint, redis.Req("CLUSTER", "SLOTS"))
		if err != nil {
			lastErr = err
			continue
		}
		ranges, err := parseClusterSlots(res)
		if err != nil {
			lastErr = err
			continue
		}
		c.installTopology(ranges)
		return nil
	}
	err := redis.ErrTopologyFetch.New("no endpoint answered CLUSTER SLOTS")
	if lastErr != nil {
		err = redis.ErrTopologyFetch.Wrap(lastErr, "no endpoint answered CLUSTER SLOTS")
	}
	c.opts.Logger.Report(LogTopologyError, err)
	return err
}

func (c *Cluster) installTopology(ranges []SlotRange) {
	c.slots.Refresh(ranges)

	keep := make(map[redis.NodeEndpoint]bool)
	for _, r := range ranges {
		keep[r.Master] = true
	}
	for _, seed := range c.seeds {
		keep[seed] = true
	}
	c.registry.RetainOnly(keep)

	c.opts.Logger.Report(LogTopologyUpdated, c.slots.Endpoints())
}
