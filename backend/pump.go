package backend

import (
	"runtime"

	soxy "github.com/H1d3r/soxy"
)

// outboundPump serializes chunks onto the channel handle. A short
// write retries until every byte left the buffer, yielding when the
// transport accepted nothing.
func outboundPump(handle Handle, fromDispatcher <-chan soxy.Message) error {
	for msg := range fromDispatcher {
		switch {
		case msg.Shutdown:
			log.Debugf("received shutdown, closing")
			return nil

		case msg.InputSetting != nil:
			log.Debugf("discarding input setting")

		case msg.InputAction != nil:
			log.Debugf("discarding input action")

		case msg.ResetClient:
			log.Debugf("discarding reset client")

		case msg.Chunk != nil:
			data := msg.Chunk.Serialized()
			for written := 0; written < len(data); {
				n, err := handle.Write(data[written:])
				if err != nil {
					return err
				}
				if n == 0 {
					runtime.Gosched()
					continue
				}
				written += n
			}
		}
	}
	return soxy.ErrPipelineBroken
}

// inboundPump reads PDUs from the channel handle, reassembles chunks
// across fragment boundaries and feeds them to the dispatcher.
func inboundPump(handle Handle, toDispatcher chan<- soxy.Message) error {
	buf := make([]byte, 3*soxy.PDU_MAX_SIZE)
	var assembler soxy.ChunkAssembler

	for {
		read, err := handle.Read(buf)
		if err != nil {
			return err
		}

		chunks, err := assembler.Push(buf[:read])
		for _, chunk := range chunks {
			toDispatcher <- soxy.ChunkMessage(chunk)
		}
		if err != nil {
			return err
		}
	}
}
