// Package kiosk wires the runtime together: configuration, plugin
// discovery, dispatch, journaling, and reload. The Orchestrator owns
// component lifetimes; everything else stays composable on its own.
package kiosk
