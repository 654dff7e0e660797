// Package queue persists job records and defines the Store contract the
// workflow manager drives them through.
//
// A job moves queued -> running -> completed|failed. Only the run executing
// a job mutates it, and a terminal job is immutable: Update and AppendLog
// return ErrTerminal once a job has completed or failed.
//
// Three backends implement Store. The memory store serves tests and
// single-shot CLI runs, SQLite is the durable default, and Redis lets several
// daemons share state. Schema changes bump the version in sqlite_schema.go;
// users clear the database to adopt the new schema.
package queue
