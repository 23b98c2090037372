// Package stores provides the run journal: a record of schedule runs, graph
// rebuilds, ticks and individual system invocations.
//
// Two backends implement Journal. SQLiteStore uses the pure-Go modernc driver
// with WAL mode and golang-migrate migrations. PostgresStore uses a pgx pool
// with goose migrations. Open picks one from a spec string:
//
//	journal, err := stores.Open(ctx, "sqlite:.froyo/journal.db")
//	journal, err := stores.Open(ctx, "postgres://froyo@localhost/froyo")
//
// JournalObserver plugs a journal into an ecs.Schedule. It buffers the
// system invocations of a tick and writes them with the tick in one
// transaction:
//
//	observer := stores.NewJournalObserver(journal, runID, logger)
//	schedule := ecs.NewSchedule(ecs.WithObserver(observer))
//
// SystemStats aggregates invocation counts, failures and durations per system,
// which is what the history command prints.
package stores
