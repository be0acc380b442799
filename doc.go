// Package filequeue runs the asynchronous processing pipeline of uploaded
// files.
//
// Applications using filequeue first create a Manager. One manager handles
// one queue per processing stage (validation, metadata extraction, image
// processing). There is one Worker per queue. Applications need to register
// queues and their workers before starting the manager.
//
// The manager has a Broker to distribute jobs. By default, an in memory
// broker is used. There are persistent brokers in the "redis", "mysql" and
// "mongodb" packages.
//
// New jobs are added to the manager via the AddJob method. Every job
// carries a stage-specific Payload that is validated on submission. If the
// number of waiting, delayed and active jobs of the queue has reached the
// maximum queue size, AddJob fails with an InfrastructureError and no job
// is created.
//
// A job in filequeue is always in one of these five states: Waiting (to be
// leased), Active (leased by a worker), Completed, Failed (even after
// retrying), and Delayed (waiting for its run time, e.g. before a retry).
//
// Once started, the manager runs a number of runners per queue that lease
// jobs from the broker, extend the lease while the worker runs, and record
// the outcome. Jobs whose lease expires, e.g. because the process crashed,
// are returned to Waiting; after too many such redeliveries they fail.
//
// A job can be attempted several times. Only if the number of attempts
// reaches the Attempts value, the job gets marked as failed. Otherwise, it
// gets put into Delayed state and rescheduled after its Backoff. Failed
// StageResults returned without an error are expected domain outcomes and
// fail the job immediately.
//
// For every queue the manager also runs a backpressure monitor. It pauses
// the queue once waiting+delayed reaches the pause threshold and resumes
// it once the count falls to the resume threshold.
//
// The Orchestrator in the "pipeline" package submits the stage jobs of an
// upload, the Aggregator in the "status" package merges them into one
// status per file.
package filequeue
