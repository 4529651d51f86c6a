// Package plugins implements discovery, validation, and lifecycle management
// for kiosk dashboard plugins.
//
// A plugin is a directory under the plugin root containing a main.star entry
// unit, an optional config.json, and an optional plugin.yaml manifest. The
// Loader scans the root once at startup, instantiates a Descriptor per valid
// candidate, and runs each plugin's setup hook. A plugin that fails anywhere
// along the way moves to the Failed state and never receives traffic; it can
// never prevent other plugins from loading or serving.
//
// Optional hooks are probed once at discovery into an explicit capability
// set on the descriptor. Nothing is re-probed per request.
package plugins
