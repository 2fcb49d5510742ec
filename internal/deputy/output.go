package deputy

import (
	"bufio"
	"io"

	"github.com/ashuang/procman/internal/model"
	"github.com/ashuang/procman/internal/protocol"
)

// streamOutput republishes each line a process writes to stream as a
// protocol.Output message, for front-ends; the Sheriff never subscribes
// to PM_OUTPUT.
func (d *Deputy) streamOutput(id model.CommandID, stream string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		out := protocol.Output{
			DeputyID:  string(d.id),
			CommandID: string(id),
			Stream:    stream,
			Data:      scanner.Text(),
		}
		msg, err := protocol.NewMessage(protocol.TypeOutput, out)
		if err != nil {
			continue
		}
		_ = d.bus.Publish(protocol.ChannelOutput, msg)
	}
}
