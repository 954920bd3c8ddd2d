// Package llm defines the provider contract consumed by the agent loop:
// ordered messages, tool schemas and sampling parameters in, a final
// assistant message or structured tool calls out. Provider-specific
// transports live in subpackages.
package llm
