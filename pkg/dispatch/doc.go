// Package dispatch routes API calls to plugin endpoint handlers. The route
// table is built once per load and swapped atomically, so reloads never
// block in-flight dispatches.
package dispatch
