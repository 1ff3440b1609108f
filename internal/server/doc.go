// Package server builds the HTTP handler for the Magical Music Backend:
// the fixed middleware chain, the route table, readiness reporting and
// the error boundary every handler group relies on.
package server
