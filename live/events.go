package live

// Event is a message received from the remote channel.
type Event interface {
	isEvent()
}

// ReadyEvent reports that the remote side accepted the session setup.
type ReadyEvent struct{}

// TranscriptEvent carries a partial transcript for one speaker.
type TranscriptEvent struct {
	Role Role
	Text string
}

// AudioChunkEvent carries one encoded slice of the remote voice.
type AudioChunkEvent struct {
	Data       []byte
	SampleRate int
	Channels   int
}

// ToolCallEvent carries one or more invocations.
type ToolCallEvent struct {
	Calls []ToolCall
}

// InterruptedEvent reports that in-flight model speech must be discarded.
type InterruptedEvent struct{}

// ClosedEvent reports an orderly close by the remote side.
type ClosedEvent struct{}

// ErrorEvent reports a mid-session channel failure.
type ErrorEvent struct {
	Err error
}

func (ReadyEvent) isEvent() {}
func (TranscriptEvent) isEvent() {}
func (AudioChunkEvent) isEvent() {}
func (ToolCallEvent) isEvent() {}
func (InterruptedEvent) isEvent() {}
func (ClosedEvent) isEvent() {}
func (ErrorEvent) isEvent() {}
