// Package providers holds the collaborators that plugins execute against:
// chat models, shell scripts and outbound HTTP APIs. Providers are built
// from stored rows through a Registry keyed by provider type.
package providers
