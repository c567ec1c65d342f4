// README: Lua scripts that keep each queue step atomic in Redis.
package queue

import "github.com/redis/go-redis/v9"

// KEYS: delayed, active, jobs, deliveries. ARGV: now ms, lease deadline ms.
var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
  return false
end
local id = ids[1]
redis.call('ZREM', KEYS[1], id)
local data = redis.call('HGET', KEYS[3], id)
if not data then
  redis.call('HDEL', KEYS[4], id)
  return false
end
redis.call('ZADD', KEYS[2], ARGV[2], id)
local count = redis.call('HINCRBY', KEYS[4], id, 1)
return {id, data, count}
`)

// KEYS: active, jobs, deliveries. ARGV: id.
var ackScript = redis.NewScript(`
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
return 1
`)

// KEYS: active, delayed, jobs. ARGV: id, not before ms, job json.
var retryScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[3], ARGV[1], ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
return 1
`)

// KEYS: active, jobs, deliveries, failed. ARGV: id, job json, keep.
var archiveScript = redis.NewScript(`
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('LPUSH', KEYS[4], ARGV[2])
redis.call('LTRIM', KEYS[4], 0, tonumber(ARGV[3]) - 1)
return 1
`)

// KEYS: active, delayed. ARGV: now ms.
var reapScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('ZADD', KEYS[2], ARGV[1], id)
end
return #ids
`)
