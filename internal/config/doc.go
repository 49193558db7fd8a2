// Package config loads and watches the service configuration file.
//
// Top-level types:
//   - Config{EnvFile, Server, CRM, Cache, SLA, Poll, Alerts}
//   - ServerConfig: http_port, auth (apikey|none, header, key_env)
//   - CRMConfig: webhook_url_env, category_id, paging, rate limit, retries,
//     TLS, and the custom field IDs carrying deal attributes
//   - SLAConfig: per-phase fragment, threshold and explicit stage IDs, plus
//     the never-moved policy for first communication
//   - PollConfig, AlertsConfig: background refresh and alert rules/webhooks
//
// Secrets never live in the file: *_env fields name environment variables,
// optionally seeded from a dotenv file (env_file) that does not override
// variables already set.
//
// Load(path) reads the YAML file, applies defaults, then validates struct
// tags (validator/v10) and cross-field rules. Watch(ctx, path, onChange)
// reloads on write and keeps the previous config when a reload fails.
package config
