// Package journal persists a record of every dispatch call to SQLite. The
// journal is optional diagnostics: it answers "what has this kiosk been
// serving and which plugins keep failing" without scraping logs.
package journal
