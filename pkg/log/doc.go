/*
Package log provides structured logging for the orchestrator using zerolog.

All components log through a child logger scoped with the stable keys the
error taxonomy (package orcherr) relies on for readable output: "service" and
"container". JSON output is used in production; a console writer is available
for local development via Config.JSONOutput.
*/
package log
