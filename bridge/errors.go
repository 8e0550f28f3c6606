package bridge

import "errors"

var (
	// ErrNotConnected is returned when a command is sent while no worker is running.
	ErrNotConnected = errors.New("not connected to TWS")
	// ErrTimeout is returned when a command's deadline passes without a reply.
	ErrTimeout = errors.New("command timed out")
	// ErrWorkerExited is returned for commands that were in flight when the worker exited.
	ErrWorkerExited = errors.New("worker exited before replying")
)

// user-visible connection messages
const (
	msgConnected           = "Successfully connected to TWS at %s"
	msgExitedEarly         = "Connection failed. Make sure TWS/IB Gateway is running."
	msgSpawnFailed         = "Failed to start worker: %s"
	msgConnectTimeout      = "Connection timeout. Please ensure TWS/IB Gateway is running and configured correctly."
	msgConnectCanceled     = "Connection attempt canceled: %s"
	msgDisconnected        = "Disconnected from TWS"
	msgAlreadyDisconnected = "Already disconnected"
	msgClosed              = "Bridge is closed"
)
