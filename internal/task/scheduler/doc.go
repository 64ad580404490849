// Package scheduler is the timer backend for tales.
//
// It arms one trigger per enabled tale and calls back into the coordinator
// when the trigger fires. Execution never happens here: the fire callback is
// expected to hand work to the task engine and return.
//
// Three strategies exist:
//   - one-shot: a single exact trigger, for ONCE and DAILY_AT;
//   - periodic: a robfig/cron entry on the grid lastRunAt + k*interval, for
//     intervals at or above the periodic granularity;
//   - chained: a one-shot re-armed after every run, for shorter intervals.
//
// Nothing is persisted. Recover rebuilds all triggers from stored tales.
package scheduler
