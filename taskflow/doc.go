// Package taskflow is the offline-first synchronization core of a task
// management client. It keeps a task list usable while connectivity comes
// and goes by combining four sources of truth: server fetches, a local
// cache, a durable queue of mutations made while offline, and live events
// pushed by the server.
//
// Quick start:
//  1. Open a KV backend (NewSQLKV over sqlite, or NewRedisKV) and wrap it with NewCache.
//  2. Create a Gateway (NewHTTPGateway) and a Monitor pointed at the same base URL.
//  3. Create a SyncEngine over the gateway and cache, optionally with a SQLJournal.
//  4. Create a Store with NewStore, call SetAuthenticated(ctx, true) after login
//     and Close on logout.
//  5. Read the displayed list with Store.View; mutate through Store.Create and friends.
package taskflow
