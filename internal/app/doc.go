// Package app is the composition layer. It selects the storage backends
// from configuration, builds the services and owns their lifecycle.
//
// # Backend selection
//
//	DATABASE_URL set          -> postgres store (sqlx + lib/pq)
//	Supabase credentials set  -> PostgREST store and Supabase Storage objects
//	neither                   -> in-memory store (development only)
//	REDIS_URL set             -> download IP guard and AI task state in Redis
//
// Business logic belongs in services/; this package only wires it.
//
// # Lifecycle
//
//	a, err := app.New(ctx, cfg, logger)
//	srv := &http.Server{Handler: a.Handler()}
//	a.Start(ctx)  // outbox worker, cron jobs, limiter sweep
//	...
//	a.Stop(ctx)   // stop cron, drain outbox, close connections
package app
