// Package engine runs submitted tasks in the background. It persists each
// task, hands its execution to a background.Producer, resolves the task's
// handler, enforces per-task timeouts and kills, and streams the events a
// handler emits to subscribers while recording them in the store.
package engine
