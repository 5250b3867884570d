// Package dedupe remembers recently handled keys for a fixed window.
// The relay uses it to ignore backend callbacks that repeat a callback_id.
package dedupe
