// Package engine assembles a running emulator from a configuration.
//
// # Architecture
//
//	┌──────────────────────────────────────────────────────────────┐
//	│                           Server                              │
//	│                                                               │
//	│   :4566 AWS      :4567 Azure      :4568 GCP                   │
//	│       │              │                │                       │
//	│       └──────────────┼────────────────┘                       │
//	│                      ▼                                        │
//	│   gateway   (admin routes, rate limit, request log, metrics)  │
//	│                      ▼                                        │
//	│   dispatch  (per-provider strategy, handler registry)         │
//	│                      ▼                                        │
//	│   lifecycle (state machine, one Manager per provider)         │
//	│                      ▼                                        │
//	│   storage   (SQLite metadata, blob tree, per-key locks)       │
//	└──────────────────────────────────────────────────────────────┘
//
// NewServer opens storage, reclaims orphaned blobs, repairs records left in
// transitional states, then registers the handlers of every enabled
// provider. Run serves the listeners and the expiry reaper under one
// errgroup until its context is cancelled.
//
// # Basic Usage
//
//	cfg, err := config.Load(config.Options{})
//	if err != nil {
//	    return err
//	}
//	srv, err := engine.NewServer(ctx, cfg, engine.WithLogger(log))
//	if err != nil {
//	    return err
//	}
//	defer srv.Close()
//	return srv.Run(ctx)
package engine
