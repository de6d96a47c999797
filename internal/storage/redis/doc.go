// Package redis holds the Redis-backed faucet cooldown store. Reservations
// use SET NX so concurrent replicas agree on a single in-flight grant.
package redis
