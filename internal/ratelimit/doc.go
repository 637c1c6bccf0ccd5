// Package ratelimit holds the in-memory admission controls used by docgate.
//
// [Limiter] is the outbound gate: at most N admissions inside any sliding
// window of length W, shared by every goroutine in the process. Excess
// callers block in [Limiter.Acquire] until the oldest admission ages out.
// They are never rejected.
//
// [IPLimiter] is inbound middleware for the intake API. It rejects clients
// that exceed a per-IP token bucket with 429 so one noisy client cannot park
// every handler goroutine behind the outbound gate.
//
// Neither limiter is shared between processes or persisted across restarts.
package ratelimit
