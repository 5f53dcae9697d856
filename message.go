package soxy

// Message is the control union exchanged between the channel
// dispatcher and the transport pumps. Exactly one field is set.
type Message struct {
	Chunk        *Chunk
	InputSetting *InputSetting
	InputAction  *InputAction
	ResetClient  bool
	Shutdown     bool
}

func ChunkMessage(chunk Chunk) Message {
	return Message{Chunk: &chunk}
}

func ShutdownMessage() Message {
	return Message{Shutdown: true}
}
