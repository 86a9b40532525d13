// Package config loads and validates the guardian configuration.
//
// # Overview
//
// Configuration lives in a single YAML file (guardian.yaml by default). Every
// field has a default, so an empty or missing default file yields a working
// configuration. Values are checked with struct tags and a few cross-field
// rules before anything else starts.
//
// Secrets are never stored in the file. The file names the environment
// variables that hold them:
//
//	github.token_env       GITHUB_TOKEN
//	oracle.api_key_env     GLM_API_KEY
//	credentials.prefix     USER_CREDENTIALS (read as USER_CREDENTIALS_{PLATFORM})
//
// # Example
//
//	app:
//	  max_concurrency: 3
//	  shard_id: 1
//	  shard_total: 2
//	  schedule: "0 */6 * * *"
//	rotation:
//	  rotate_before_hours: 24
//	  platforms:
//	    github:
//	      default_days: 14
//	oracle:
//	  monthly_budget_usd: 0.20
//	storage:
//	  database_path: ~/.guardian/registry.sqlite
//
// # Reloading
//
// Watcher observes the file's directory with fsnotify and reloads on change.
// A file that fails validation is logged and the previous configuration is
// kept.
package config
