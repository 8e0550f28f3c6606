/*
Package protocol implements the line protocol spoken between the bridge and its backend worker process.

Both directions carry UTF-8 text with one JSON object per line:

  - bridge -> worker (stdin): a Command, {"type": "...", "data": {...}, "requestId": "..."}
  - worker -> bridge (stdout): a Reply, {"requestId": "...", "success": true, "message": "...", ...payload}

The first Reply carrying a "success" field after the worker starts is the connection handshake.
Later replies are matched to commands by their requestId. The worker's stderr is free-form and is never parsed.

A Framer turns the stdout byte stream into complete records, and DecodeReply turns a record into a Reply.
Records that fail to decode are reported with ErrMalformed so the caller can log and drop them;
workers commonly mix debug output into the same stream.
*/
package protocol
