/*
Package cache is the Cache Manager: the single owner of every computed result.

Results live in per-tier LRUs (day, week, month, correlation, anomaly), each with a fixed
capacity and a default TTL. In-flight computations are kept apart from the LRUs in the
call table, so capacity eviction can never remove one.

# Singleflight

GetOrCompute joins an existing call for the same key instead of starting another. A call
runs on the shared worker pool at the requester's priority; an interactive requester
joining a queued background call re-queues it at interactive priority, and whichever copy
is dequeued first runs it. Computations that request other keys (a week asking for its
days) run those children inline on the parent's worker, so nested requests never wait
for a pool slot.

# Dependencies and invalidation

Every key carries tags (metric, source filter, date range). Child requests made while a
parent computes are recorded in a reverse-dependency index. Invalidate evicts every entry
whose tags match, then walks the index to evict everything derived from them. Matching
in-flight calls are abandoned: their waiters still get the result, but it is never
stored, and later requests start a fresh computation.

# Failures

Failed computations are retried with bounded exponential backoff and never cached.
A stored entry that fails its shape check on read is treated as a miss.
*/
package cache
