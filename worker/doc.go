/*
Package worker spawns and observes a single backend worker process.

The worker is started with its connection parameters as trailing arguments (host, port, client ID, in that order).
Its stdout and stderr are delivered to the caller as raw chunks, in order, as they arrive; no framing is applied here.
Writes to its stdin are whole records: concurrent Write calls never interleave.

When the process terminates, the Exited callback runs exactly once, and only after every stdout and stderr chunk
has been delivered. This lets callers treat "exited" as the final event of a process.

Kill does not wait for the process to exit. Use Wait or Done for that.
*/
package worker
