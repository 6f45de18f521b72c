// Package llm adapts model backends (Anthropic, OpenAI, Gemini, Ollama)
// to one request/response shape and wraps them in a Client that applies a
// per-request timeout, a single bounded retry and profile failover.
package llm
