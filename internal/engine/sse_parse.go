package engine

import "strings"

// maxEventBytes is the default cap on one event's accumulated data
// payload. Events beyond it are rejected without a parse attempt.
const maxEventBytes = 1 << 20

// sseEvent is one flushed server-sent event.
type sseEvent struct {
	name string
	id   string
	data string
}

// errEventTooLarge is returned by the parser once an event's
// accumulated payload passes the cap.
type errEventTooLarge struct{ size int }

func (e errEventTooLarge) Error() string {
	return "event payload exceeds size cap"
}

// sseParser assembles text/event-stream framing: data:/event:/id:
// lines accumulate into a pending event, ":" lines are comments, and a
// blank line flushes. It handles the subset of the format this client
// needs; retry: and unknown fields are ignored.
type sseParser struct {
	maxBytes int

	name string
	id   string
	data []string
	size int
}

func newSSEParser(maxBytes int) *sseParser {
	if maxBytes <= 0 {
		maxBytes = maxEventBytes
	}
	return &sseParser{maxBytes: maxBytes}
}

// feed consumes one line (without its trailing newline). It returns a
// flushed event on a blank line, an error once the pending payload
// exceeds the cap, and (nil, nil) otherwise.
func (p *sseParser) feed(line string) (*sseEvent, error) {
	line = strings.TrimSuffix(line, "\r")

	if line == "" {
		return p.flush(), nil
	}
	if strings.HasPrefix(line, ":") {
		// Comment / heartbeat. Not part of any event.
		return nil, nil
	}

	field, value := splitField(line)
	switch field {
	case "data":
		p.size += len(value) + 1
		if p.size > p.maxBytes {
			return nil, errEventTooLarge{size: p.size}
		}
		p.data = append(p.data, value)
	case "event":
		p.name = value
	case "id":
		p.id = value
	}
	return nil, nil
}

// flush returns the pending event, if any, and resets accumulation.
// Called on blank lines and once more at end of stream so a final
// unterminated event is not lost.
func (p *sseParser) flush() *sseEvent {
	if len(p.data) == 0 && p.name == "" {
		p.reset()
		return nil
	}
	ev := &sseEvent{
		name: p.name,
		id:   p.id,
		data: strings.Join(p.data, "\n"),
	}
	p.reset()
	return ev
}

func (p *sseParser) reset() {
	p.name = ""
	p.id = ""
	p.data = nil
	p.size = 0
}

// splitField separates "field: value", trimming the single optional
// space after the colon. A line with no colon is a bare field name
// with an empty value.
func splitField(line string) (field, value string) {
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return line, ""
	}
	field = line[:idx]
	value = line[idx+1:]
	value = strings.TrimPrefix(value, " ")
	return field, value
}
