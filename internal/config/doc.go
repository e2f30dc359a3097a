// Package config loads runtime configuration from multiple sources (built-in
// defaults, a YAML file, a legacy logging.yaml, CHAT_APP_* environment
// variables and CLI flags) with precedence: CLI flags > Environment variables >
// logging.yaml > YAML config > Defaults. It exposes strongly typed settings to
// the rest of the application and a process-wide instance via Instance.
package config
