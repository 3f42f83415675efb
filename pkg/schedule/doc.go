// Package schedule provides the recurring schedules used by the scheduler.
//
// This package includes:
//   - Schedule interface for computing the next activation
//   - Every() for fixed-interval schedules
//   - Cron() and Parse() for cron expression-based schedules
//
// Steps with a cron schedule get a fresh instance on every activation, and
// the staleness sweep runs on an Every schedule.
package schedule
