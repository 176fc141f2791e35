package events

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// MarshalLine serializes an event as a single JSON line terminated by \n.
// This is the events.jsonl wire format.
func MarshalLine(e Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// ParseLine parses a single JSON line into an Event.
func ParseLine(line []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(line, &e); err != nil {
		return Event{}, fmt.Errorf("invalid JSON: %w", err)
	}
	if e.Type == "" {
		return Event{}, fmt.Errorf("event line missing type")
	}
	return e, nil
}

const maxLineSize = 1024 * 1024

// ReadLog reads all events from a JSONL stream in order.
// Unparseable lines are skipped, per the replay contract.
func ReadLog(r io.Reader) ([]Event, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	var out []Event
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		e, err := ParseLine(line)
		if err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, scanner.Err()
}

// LastEvent returns the last parseable event in a JSONL stream, or
// ok=false when the stream holds none.
func LastEvent(r io.Reader) (Event, bool, error) {
	all, err := ReadLog(r)
	if err != nil {
		return Event{}, false, err
	}
	if len(all) == 0 {
		return Event{}, false, nil
	}
	return all[len(all)-1], true, nil
}
