// Package plugins defines the units of work a task runs. A plugin declares
// which roles may run it and a JSON Schema for its input, then drives a
// provider to produce a normalized output map.
package plugins
