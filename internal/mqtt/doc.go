// Package mqtt publishes MCP server state to an MQTT broker.
//
// Each server gets a retained JSON document on <prefix>/<server>/state,
// refreshed on every lifecycle event from the [events.Bus] and on a
// periodic tick. The publisher uses Eclipse Paho v2's [autopaho]
// package for connection management with automatic reconnection. On
// every (re-)connect it publishes a birth message ("online") to
// <prefix>/availability and republishes all state; a will message
// flips the availability topic to "offline" on unexpected disconnects.
//
// When a discovery prefix is configured, each server is also announced
// to Home Assistant as a connectivity binary_sensor whose state and
// attributes come from the same state topic.
package mqtt
