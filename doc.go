// Package workerpool offers a request queue serviced by a fixed pool of workers(goroutines),
// with an orderly shutdown protocol that lets the workers drain the queue before they exit.
package workerpool
