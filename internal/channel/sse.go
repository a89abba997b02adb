package channel

import (
	"bufio"
	"context"
	"io"
	"strings"
)

// sseEvent is one server-sent event frame.
type sseEvent struct {
	Event string
	Data  string
}

// readSSE consumes server-sent event frames from r and invokes handle for
// each complete frame. It returns when the stream ends, the context is
// cancelled, or a read error occurs. Comment lines (leading ':') and
// heartbeat frames with empty data are skipped.
func readSSE(ctx context.Context, r io.Reader, handle func(sseEvent)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var current sseEvent
	var data strings.Builder

	flush := func() {
		current.Data = data.String()
		if current.Data != "" {
			handle(current)
		}
		current = sseEvent{}
		data.Reset()
	}

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, ":"):
			// comment / keepalive
		case strings.HasPrefix(line, "event:"):
			current.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}

	flush()

	if err := scanner.Err(); err != nil {
		return err
	}
	return io.EOF
}
