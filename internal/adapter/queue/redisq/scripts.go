package redisq

import "github.com/redis/go-redis/v9"

// Multi-key state transitions run as Lua scripts so that a job is never
// visible in two places at once. Key names are derived from the prefix in
// ARGV; the deployment targets a single redis instance (miniredis in tests).

// leaseScript pops one job id from a user's pending list and moves it to the
// active set under a fencing token.
// KEYS[1]=pending:{user} KEYS[2]=active
// ARGV[1]=prefix ARGV[2]=token ARGV[3]=leaseExpiryMs ARGV[4]=leaseMs
var leaseScript = redis.NewScript(`
local jobId = redis.call("RPOP", KEYS[1])
if not jobId then
  return false
end
local jobKey = ARGV[1] .. "job:" .. jobId
redis.call("HSET", jobKey, "state", "active")
redis.call("ZADD", KEYS[2], ARGV[3], jobId)
redis.call("SET", ARGV[1] .. "lease:" .. jobId, ARGV[2], "PX", ARGV[4])
return jobId
`)

// renewScript extends a lease if the caller still holds the token.
// KEYS[1]=lease:{jobId} KEYS[2]=active
// ARGV[1]=token ARGV[2]=jobId ARGV[3]=newExpiryMs ARGV[4]=leaseMs
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
  return 0
end
redis.call("PEXPIRE", KEYS[1], ARGV[4])
redis.call("ZADD", KEYS[2], ARGV[3], ARGV[2])
return 1
`)

// ackTerminalScript finishes a job (completed or failed) under the lease
// token, releasing any simple-mode dedup token that still points at it.
// KEYS[1]=lease:{jobId} KEYS[2]=active KEYS[3]=job:{jobId}
// ARGV[1]=token ARGV[2]=jobId ARGV[3]=state ARGV[4]=lastError
// ARGV[5]=dedupKey ("" when none) ARGV[6]=retentionMs ARGV[7]=countAttempt (1/0)
var ackTerminalScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
  return 0
end
redis.call("DEL", KEYS[1])
redis.call("ZREM", KEYS[2], ARGV[2])
if ARGV[7] == "1" then
  redis.call("HINCRBY", KEYS[3], "attempts", 1)
end
redis.call("HSET", KEYS[3], "state", ARGV[3], "last_error", ARGV[4])
redis.call("PEXPIRE", KEYS[3], ARGV[6])
if ARGV[5] ~= "" then
  if redis.call("GET", ARGV[5]) == ARGV[2] then
    redis.call("DEL", ARGV[5])
  end
end
return 1
`)

// retryScript reinserts a job into the delayed set under the lease token.
// KEYS[1]=lease:{jobId} KEYS[2]=active KEYS[3]=job:{jobId} KEYS[4]=delayed
// ARGV[1]=token ARGV[2]=jobId ARGV[3]=readyAtMs ARGV[4]=lastError
// ARGV[5]=countAttempt (1/0)
var retryScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
  return 0
end
redis.call("DEL", KEYS[1])
redis.call("ZREM", KEYS[2], ARGV[2])
if ARGV[5] == "1" then
  redis.call("HINCRBY", KEYS[3], "attempts", 1)
end
redis.call("HSET", KEYS[3], "state", "delayed", "last_error", ARGV[4])
redis.call("ZADD", KEYS[4], ARGV[3], ARGV[2])
return 1
`)

// requeuePreemptedScript returns an evicted job to the head of its user's
// pending queue without consuming an attempt.
// KEYS[1]=lease:{jobId} KEYS[2]=active KEYS[3]=job:{jobId}
// KEYS[4]=pending:{user} KEYS[5]=ready
// ARGV[1]=token ARGV[2]=jobId ARGV[3]=userId
var requeuePreemptedScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
  return 0
end
redis.call("DEL", KEYS[1])
redis.call("ZREM", KEYS[2], ARGV[2])
redis.call("HSET", KEYS[3], "state", "preempted-requeued")
redis.call("RPUSH", KEYS[4], ARGV[2])
redis.call("LPUSH", KEYS[5], ARGV[3])
return 1
`)

// promoteScript moves due delayed jobs back to their users' pending lists.
// KEYS[1]=delayed KEYS[2]=ready
// ARGV[1]=prefix ARGV[2]=nowMs ARGV[3]=limit
var promoteScript = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[2], "LIMIT", 0, ARGV[3])
local n = 0
for _, jobId in ipairs(due) do
  redis.call("ZREM", KEYS[1], jobId)
  local jobKey = ARGV[1] .. "job:" .. jobId
  local userId = redis.call("HGET", jobKey, "user_id")
  if userId then
    redis.call("HSET", jobKey, "state", "pending")
    redis.call("LPUSH", ARGV[1] .. "pending:" .. userId, jobId)
    redis.call("LPUSH", KEYS[2], userId)
    n = n + 1
  end
end
return n
`)

// reclaimScript returns jobs whose lease expired (stalled processor) to
// pending. Attempts are not consumed: the handler outcome was never acked.
// KEYS[1]=active KEYS[2]=ready
// ARGV[1]=prefix ARGV[2]=nowMs
var reclaimScript = redis.NewScript(`
local stalled = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[2])
local n = 0
for _, jobId in ipairs(stalled) do
  redis.call("ZREM", KEYS[1], jobId)
  redis.call("DEL", ARGV[1] .. "lease:" .. jobId)
  local jobKey = ARGV[1] .. "job:" .. jobId
  local userId = redis.call("HGET", jobKey, "user_id")
  if userId then
    redis.call("HSET", jobKey, "state", "pending", "last_error", "lease expired")
    redis.call("LPUSH", ARGV[1] .. "pending:" .. userId, jobId)
    redis.call("LPUSH", KEYS[2], userId)
    n = n + 1
  end
end
return n
`)

// cancelScript removes a pending or delayed job; active jobs are left to the
// processor's cancellation callback.
// KEYS[1]=job:{jobId} KEYS[2]=delayed
// ARGV[1]=prefix ARGV[2]=jobId ARGV[3]=retentionMs
// Returns the pre-cancel state, or "" when the job is unknown.
var cancelScript = redis.NewScript(`
local state = redis.call("HGET", KEYS[1], "state")
if not state then
  return ""
end
if state == "pending" or state == "preempted-requeued" then
  local userId = redis.call("HGET", KEYS[1], "user_id")
  redis.call("LREM", ARGV[1] .. "pending:" .. userId, 1, ARGV[2])
elseif state == "delayed" then
  redis.call("ZREM", KEYS[2], ARGV[2])
elseif state == "active" then
  return state
else
  return state
end
redis.call("HSET", KEYS[1], "state", "failed", "last_error", "cancelled")
redis.call("PEXPIRE", KEYS[1], ARGV[3])
local dedupKey = redis.call("HGET", KEYS[1], "dedup_key")
if dedupKey and dedupKey ~= "" then
  if redis.call("GET", dedupKey) == ARGV[2] then
    redis.call("DEL", dedupKey)
  end
end
return state
`)
