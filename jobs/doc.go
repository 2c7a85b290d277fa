// Package jobs tracks analysis requests from submission to erasure.
//
// A Manager gives every request a Job with a unique ID and an exclusively
// owned work directory, moves it through created, running and one terminal
// status, and then deletes its directory after a cleanup delay and its record
// after a retention period. Records live in a Store and timers go through a
// Scheduler, so tests can drive the whole lifecycle synchronously with a
// ManualScheduler.
package jobs
