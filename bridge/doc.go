/*
Package bridge connects a trading front end to a backend worker process that speaks the brokerage protocol.

A Bridge supervises at most one worker at a time. Connect spawns the worker with the connection parameters
and waits for its handshake: the first message carrying a "success" field. SendCommand writes a command
tagged with a fresh request ID to the worker's stdin and waits for the reply carrying the same ID.
Replies may arrive in any order. Each command has its own deadline, and resolves exactly once,
either with its reply or with an error.

Every facade operation returns a Result, never a Go error, so the front end always gets a success flag and
a message it can show.

Lifecycle:

	Stopped --Connect--> Starting --handshake ok--> Connected
	Starting --handshake failed | exit | spawn error | timeout--> Failed
	Connected --Disconnect--> Stopped
	Connected --worker exit--> Stopped

Disconnect abandons in-flight commands: they are dropped from the pending table without a reply, and each
caller gets ErrTimeout when its own deadline passes. An unexpected worker exit instead fails in-flight
commands right away with ErrWorkerExited.

Output and exit events from a worker that has been replaced or stopped are ignored.
*/
package bridge
