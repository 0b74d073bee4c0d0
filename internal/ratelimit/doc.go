// Package ratelimit provides per-identity sliding-window request throttling.
//
// # Overview
//
// The limiter keeps a record of request timestamps per caller identity (API
// key name, JWT subject, or remote address) and permits a request when the
// count of requests inside the trailing window stays within the identity's
// quota. Every call is recorded, permitted or not, so the decision at time T
// always reflects exactly the requests in (T-window, T].
//
// # Usage
//
//	l := ratelimit.New(60, time.Minute, 5*time.Minute)
//	defer l.Close()
//
//	d := l.Allow("key:partner")
//	if !d.Permitted {
//	    // reject with d.Remaining and d.ResetAt
//	}
//
// Per-identity overrides (for example from api_keys[].quota config):
//
//	l.SetQuota("key:partner", 120)
//
// # Concurrency
//
// Identities are independent: each has its own lock, so unrelated callers
// never contend. Calls for one identity serialize on its window record,
// making them linearizable: no lost updates, no over- or undercount.
//
// # Memory
//
// A background goroutine evicts identities that have been idle for several
// full windows. Identities with quota overrides are never evicted.
package ratelimit
