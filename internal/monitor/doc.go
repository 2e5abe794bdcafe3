// Package monitor defines the core types, ports, and error taxonomy shared by the
// restock monitoring pipeline: tasks, candidates, verdicts, and the interfaces the
// searcher, filter, checker, store, notifier, and publisher adapters implement.
package monitor
