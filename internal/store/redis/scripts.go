package redis

import "github.com/redis/go-redis/v9"

// Every mutation runs as one Lua script so the read-modify-write is atomic
// across the session's keys. Scripts reply with a two-element array:
// {1, value} on success, {0, reason} on a domain failure.

var joinScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return {0, 'nosession'}
end
if ARGV[5] == '1' and ARGV[6] ~= '1' then
  return {0, 'frozen'}
end
if redis.call('LPOS', KEYS[2], ARGV[1]) == false then
  return {0, 'nogroup'}
end
if redis.call('HEXISTS', KEYS[3], ARGV[2]) == 1 then
  return {0, 'allocated'}
end
if redis.call('HLEN', KEYS[4]) >= tonumber(ARGV[4]) then
  return {0, 'full'}
end
redis.call('HSET', KEYS[4], ARGV[2], ARGV[3])
redis.call('HSET', KEYS[3], ARGV[2], ARGV[1])
return {1, ARGV[1]}
`)

var leaveScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return {0, 'nosession'}
end
if ARGV[2] == '1' and ARGV[3] ~= '1' then
  return {0, 'frozen'}
end
local group = redis.call('HGET', KEYS[2], ARGV[1])
if group == false then
  return {0, 'notin'}
end
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HDEL', ARGV[4] .. group, ARGV[1])
return {1, group}
`)

var addGroupScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return {0, 'nosession'}
end
if redis.call('LPOS', KEYS[2], ARGV[1]) ~= false then
  return {0, 'exists'}
end
redis.call('RPUSH', KEYS[2], ARGV[1])
return {1, ARGV[1]}
`)

var removeGroupScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return {0, 'nosession'}
end
if redis.call('LPOS', KEYS[2], ARGV[1]) == false then
  return {0, 'nogroup'}
end
redis.call('LREM', KEYS[2], 1, ARGV[1])
local members = redis.call('HKEYS', KEYS[4])
for _, id in ipairs(members) do
  redis.call('HDEL', KEYS[3], id)
end
redis.call('DEL', KEYS[4])
return {1, ARGV[1]}
`)

var clearGroupScript = redis.NewScript(`
local members = redis.call('HKEYS', KEYS[2])
for _, id in ipairs(members) do
  redis.call('HDEL', KEYS[1], id)
end
redis.call('DEL', KEYS[2])
return {1, #members}
`)

var clearAllScript = redis.NewScript(`
local names = redis.call('LRANGE', KEYS[1], 0, -1)
for _, name in ipairs(names) do
  redis.call('DEL', ARGV[1] .. name)
end
redis.call('DEL', KEYS[2])
return {1, #names}
`)

var removeTenantScript = redis.NewScript(`
local n = redis.call('DECR', KEYS[1])
if n <= 0 then
  redis.call('DEL', KEYS[1])
  return 0
end
return n
`)
