// Package handler defines the interface that task handlers implement, the
// registry that resolves a task kind to its handler, and the built-in
// handlers the service ships with.
package handler
