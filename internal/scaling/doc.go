// Package scaling guards how many worker processes the scheduler may run.
//
// Every job is a full process fitting models, so the bound on concurrent
// jobs is really a bound on host memory. The scheduler enforces a fixed
// maximum; this package adds a host-aware layer on top of it:
//
//   - [DefaultMaxRunning]: the default maximum, derived from the CPU count
//   - [Policy]: admission rules (memory ceiling, reserved memory, floor)
//   - [Monitor]: samples host memory in the background and applies the policy
//
// # Usage
//
//	policy := scaling.NewPolicy(
//	    scaling.WithMaxMemoryPercent(85),
//	    scaling.WithMinRunning(1),
//	)
//	monitor := scaling.NewMonitor(policy)
//	go monitor.Start(ctx)
//	sched := scheduler.New(scheduler.WithAdmission(monitor))
//
// # Thread Safety
//
// All types in this package are safe for concurrent use.
package scaling
