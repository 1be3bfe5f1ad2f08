// Package taskstream runs long training jobs in the background and delivers
// their progress to clients that poll or stream it.
//
// The engine lives in the core package; this package re-exports its common
// types and bundles a ProgressStore, Channel and Launcher into a Service.
//
// # Quick Start
//
//	svc := taskstream.NewService(taskstream.Options{})
//	svc.Start(context.Background())
//	defer svc.Shutdown(context.Background())
//
//	h, err := svc.Submit(ctx, taskstream.SubmitRequest{
//		Config: taskstream.TaskConfig{ModelName: "estimator", Epochs: 10},
//	}, work)
//
//	// Stream frames (connection, log, progress, ..., complete, close).
//	err = svc.Stream(h.ID()).Run(ctx, taskstream.NewSSEWriter(w))
//
// # Key Concepts
//
// Launcher: runs Work functions on a bounded worker pool, isolated from the
// caller. Failures, panics and cancellation always leave a terminal record.
//
// Channel: the publish side. Every event is appended to the ProgressStore,
// which is authoritative, and mirrored into a bounded per-task queue for
// low-latency delivery inside the same process.
//
// ProgressStore: the per-task record in a shared Cache (memory, Redis, SQLite,
// MySQL or Consul, see the cache package), capped and expiring.
//
// UpdateStream: one client's view of one task. It delivers stored events in
// sequence order without duplicates and always ends with complete and close
// frames.
//
// # Process Isolation
//
// core.CommandWork runs a task in a child process speaking a line-delimited
// JSON protocol; the child side is core.ServeWorker. The parent relays child
// events through its own Channel, so any Cache works.
package taskstream
