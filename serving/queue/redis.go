package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisBroadcast is the cross-process transport: the pending list and the
// consumption bitmask live in Redis so worker ranks in separate processes all
// observe the same batches. Both scripts run atomically server-side, playing
// the role of the broker lock.
//
// Bit tests are written with modular arithmetic (v % (2*pos) >= pos) instead
// of the bit library so the scripts also run under test servers.
type RedisBroadcast[T any] struct {
	client    *redis.Client
	listKey   string
	valueKey  string
	mpNum     int
	full      int
	maxGetNum int
}

var putScript = redis.NewScript(`
local v = tonumber(redis.call('GET', KEYS[2]) or '0')
local full = tonumber(ARGV[2])
if v > 0 and v < full then
  return -1
end
if tonumber(ARGV[3]) <= 0 and v == full then
  redis.call('DEL', KEYS[1])
end
redis.call('SET', KEYS[2], 0)
redis.call('RPUSH', KEYS[1], ARGV[1])
return 1
`)

var getScript = redis.NewScript(`
local v = tonumber(redis.call('GET', KEYS[2]) or '0')
local pos = tonumber(ARGV[1])
local full = tonumber(ARGV[2])
local maxget = tonumber(ARGV[3])
local len = redis.call('LLEN', KEYS[1])
if v % (2 * pos) >= pos or len == 0 then
  return {0, {}}
end
local n = len
if maxget > 0 and maxget < len then
  n = maxget
end
local items = redis.call('LRANGE', KEYS[1], 0, n - 1)
v = v + pos
local drained = 0
if v >= full then
  if maxget > 0 then
    redis.call('LTRIM', KEYS[1], n, -1)
  else
    redis.call('DEL', KEYS[1])
  end
  v = 0
  drained = 1
end
redis.call('SET', KEYS[2], v)
return {drained, items}
`)

// NewRedisBroadcast connects to the broker at addr. keyPrefix isolates
// concurrent deployments sharing one Redis.
func NewRedisBroadcast[T any](addr, keyPrefix string, mpNum, maxGetNum int) *RedisBroadcast[T] {
	return &RedisBroadcast[T]{
		client:    redis.NewClient(&redis.Options{Addr: addr}),
		listKey:   keyPrefix + ":tasks",
		valueKey:  keyPrefix + ":value",
		mpNum:     mpNum,
		full:      (1 << mpNum) - 1,
		maxGetNum: maxGetNum,
	}
}

// Put appends one item, spin-waiting while the current batch is partially
// consumed, mirroring the in-process transport.
func (q *RedisBroadcast[T]) Put(item T) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return errors.Wrap(err, "marshal queue item")
	}
	ctx := context.Background()
	for {
		res, err := putScript.Run(ctx, q.client,
			[]string{q.listKey, q.valueKey},
			payload, q.full, q.maxGetNum).Int()
		if err != nil {
			return errors.Wrap(err, "queue put")
		}
		if res != -1 {
			return nil
		}
		time.Sleep(spinInterval)
	}
}

// Get returns the pending items for the given rank; semantics match
// Broadcast.Get.
func (q *RedisBroadcast[T]) Get(rank int) ([]T, bool, error) {
	ctx := context.Background()
	res, err := getScript.Run(ctx, q.client,
		[]string{q.listKey, q.valueKey},
		1<<rank, q.full, q.maxGetNum).Slice()
	if err != nil {
		return nil, false, errors.Wrap(err, "queue get")
	}
	drained := res[0].(int64) == 1
	rawItems, _ := res[1].([]interface{})
	items := make([]T, 0, len(rawItems))
	for _, raw := range rawItems {
		var item T
		if err := json.Unmarshal([]byte(raw.(string)), &item); err != nil {
			return nil, false, errors.Wrap(err, "unmarshal queue item")
		}
		items = append(items, item)
	}
	return items, drained, nil
}

// Empty reports whether the pending list is empty.
func (q *RedisBroadcast[T]) Empty() (bool, error) {
	n, err := q.client.LLen(context.Background(), q.listKey).Result()
	if err != nil {
		return false, errors.Wrap(err, "queue empty")
	}
	return n == 0, nil
}

// Close releases the client connection.
func (q *RedisBroadcast[T]) Close() error {
	return q.client.Close()
}
