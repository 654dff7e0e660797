// Package notifications announces job outcomes.
//
// The default implementation publishes to ntfy using the topic configured in
// config.toml and degrades to a no-op when no topic is set. Completion and
// failure messages can be toggled independently.
package notifications
