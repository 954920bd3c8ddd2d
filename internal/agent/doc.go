// Package agent contains the planner/executor loop that resolves one user
// turn: it calls the language model, runs any requested tools in order
// through the sandbox, feeds results back and terminates within the
// configured iteration budget. Sessions are kept in an indexed table and
// each session runs at most one turn at a time.
package agent
