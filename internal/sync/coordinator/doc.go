// Package coordinator schedules the cycles of one sync.Loop.
//
// The first cycle runs as soon as Start is called, then one cycle per interval.
// A tick that arrives while a cycle is still running is dropped and counted,
// so cycles never overlap and never queue up.
//
// Stop is cooperative: it signals the running cycle through its interrupt
// channel and waits for it. A cycle that has started delivering finishes,
// including its cursor commit, before Stop returns.
//
//	coord := coordinator.New(loop, cfg.Interval(), coordinator.WithMetrics(m))
//	go func() { errCh <- coord.Start(ctx) }()
//	// ... on reconfiguration
//	coord.Stop()
package coordinator
