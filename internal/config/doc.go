// Package config provides configuration loading and path management shared
// by the portal backend, proxy, and launcher binaries.
//
// # Configuration Loading
//
// Load implements a layered strategy that merges configuration from
// multiple sources in priority order, lowest to highest:
//
//  1. Built-in defaults (Default)
//  2. Global config (~/.config/portal/portal.json or portal.jsonc)
//  3. Directory-local config (<dir>/.portal/portal.json or portal.jsonc),
//     when a directory is passed to Load
//  4. PORTAL_* environment variables
//
// Later sources override earlier ones field-by-field; a field left unset
// (the Go zero value) in a later source does not clobber an earlier one.
//
// # Supported Formats
//
// Config files may be named *.json or *.jsonc; the jsonc variant allows
// // line comments and /* block */ comments, stripped before parsing.
//
// # Path Management
//
// GetPaths returns the standard per-user directories, following the XDG
// Base Directory layout on Unix and falling back to APPDATA on Windows:
//   - Data: ~/.local/share/portal (backend's sqlite database)
//   - Config: ~/.config/portal (portal.json)
//   - Cache: ~/.cache/portal
//   - State: ~/.local/state/portal (proxy-side OutputBuffer files)
//
// # Hot Reload
//
// Watch follows the global config directory with fsnotify and invokes a
// callback with a freshly loaded Config after each debounced change, so
// the backend can pick up tunable changes without a restart.
package config
