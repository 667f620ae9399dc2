// Package taskflow runs sync of the offline queue in the background.
//
// A Dispatcher enqueues sync runs as asynq tasks; triggers issued while a run
// is still pending collapse into it. A Processor executes them against a
// Resyncer, normally the *Store of the logged-in session, and records each
// run's lifecycle in the sync journal.
//
// The client itself lives in the taskflow subpackage.
package taskflow
