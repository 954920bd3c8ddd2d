// Package api exposes the agent loop over HTTP and WebSocket. The HTTP
// surface is OpenAI-compatible for chat completions and additionally lists
// registered skills and reads or appends long-term memory records; the
// WebSocket surface streams turn events while a turn runs.
package api
