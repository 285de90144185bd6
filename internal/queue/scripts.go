package queue

import "github.com/redis/go-redis/v9"

// dequeueScript pops the queue head and moves its bookkeeping record from
// _enqueued to _dequeued in one step. A worker killed right after this script
// leaves exactly "present in _dequeued, absent elsewhere", which is the state
// the sweeper's timeout requeue recognizes.
//
// KEYS[1] queue list, KEYS[2] _enqueued, KEYS[3] _dequeued
// ARGV[1] dequeue timestamp
var dequeueScript = redis.NewScript(`
local data = redis.call('LPOP', KEYS[1])
if not data then
	return false
end
redis.call('ZREM', KEYS[2], data)
redis.call('ZADD', KEYS[3], ARGV[1], data)
return data
`)

// requeueScript moves a lost task back to the queue. The ZREM guard makes the
// move exactly-once even with concurrent sweepers: only the caller that
// removed the record performs the pushes.
//
// KEYS[1] _dequeued, KEYS[2] queue list, KEYS[3] _noti, KEYS[4] _enqueued
// ARGV[1] enqueue timestamp, ARGV[2] serialized task
var requeueScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[2]) == 0 then
	return 0
end
redis.call('RPUSH', KEYS[2], ARGV[2])
redis.call('RPUSH', KEYS[3], '1')
redis.call('ZADD', KEYS[4], ARGV[1], ARGV[2])
return 1
`)

// refillScript brings len(_noti) back to len(queue): appends the sentinels
// missing after a worker died between popping a notification and popping the
// queue, or pops spurious ones.
//
// KEYS[1] queue list, KEYS[2] _noti
var refillScript = redis.NewScript(`
local delta = redis.call('LLEN', KEYS[1]) - redis.call('LLEN', KEYS[2])
if delta > 0 then
	for i = 1, delta do
		redis.call('RPUSH', KEYS[2], '1')
	end
elseif delta < 0 then
	for i = 1, -delta do
		redis.call('LPOP', KEYS[2])
	end
end
return delta
`)
