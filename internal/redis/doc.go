// Package redis holds the Redis-backed adapters: the shared client, the
// sliding-window rate limit counter used by admission control, the
// reliable-broadcast store, and the metrics sink. Atomic multi-step
// operations run as Lua scripts so concurrent server processes never
// race on partially-applied state.
package redis
