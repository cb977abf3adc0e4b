package vt

// command is the closed set of actor-channel operations. Each carries
// its own reply channel so callers can block on exactly the answer they
// asked for without a shared response-correlation scheme.
type command interface{ isCommand() }

type writeResult struct {
	n   int
	err error
}

type cmdWriteInput struct {
	data  []byte
	reply chan writeResult
}

func (*cmdWriteInput) isCommand() {}

type cmdResize struct {
	rows, cols int
	reply      chan error
}

func (*cmdResize) isCommand() {}

type cmdGetRecent struct {
	maxBytes int
	reply    chan string
}

func (*cmdGetRecent) isCommand() {}

type cmdUpdateViewport struct {
	connID     string
	rows, cols int
	clientType ClientType
	reply      chan *Dims
}

func (*cmdUpdateViewport) isCommand() {}

type cmdSetActive struct {
	connID string
	active bool
	reply  chan *Dims
}

func (*cmdSetActive) isCommand() {}

type cmdRemoveClient struct {
	connID string
	reply  chan *Dims
}

func (*cmdRemoveClient) isCommand() {}

type cmdSetSessionID struct {
	value string
	reply chan struct{}
}

func (*cmdSetSessionID) isCommand() {}

type cmdSetClaudeState struct {
	value string
	reply chan struct{}
}

func (*cmdSetClaudeState) isCommand() {}

type cmdSetCustomName struct {
	value string
	reply chan struct{}
}

func (*cmdSetCustomName) isCommand() {}

type cmdSnapshot struct {
	reply chan Metadata
}

func (*cmdSnapshot) isCommand() {}

type cmdStop struct {
	reply chan struct{}
}

func (*cmdStop) isCommand() {}
