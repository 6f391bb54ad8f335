// Package mqtt runs the broker side of the screenshot bridge: a
// [Session] connects to the broker with an "offline" will message,
// announces a camera, a screenshot-size sensor, and a reload button via
// Home Assistant MQTT discovery, and subscribes to the reload command
// topic.
//
// Availability works as a dead-man's switch. Every published image
// refreshes "online" on the availability topic and re-arms a single
// offline timer; if no image follows before the timer expires the
// session publishes "offline" itself, even though the broker connection
// may still be up. Ungraceful disconnects are covered by the will.
//
// A Session lives for one broker connection. [Session.Run] returns when
// the connection fails, and the caller decides when to dial again (see
// package connwatch).
package mqtt
