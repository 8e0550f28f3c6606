package worker

// chunkWriter hands every write to onChunk. exec.Cmd copies the child's pipes into it from its own goroutines,
// and Cmd.Wait doesn't return until those copies are done.
type chunkWriter struct {
	// onChunk may be nil, in which case output is discarded.
	onChunk func(b []byte)
}

func (w *chunkWriter) Write(b []byte) (int, error) {
	if w.onChunk != nil {
		w.onChunk(b)
	}
	return len(b), nil
}
