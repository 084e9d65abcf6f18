package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Message is one decoded protocol line: the room it belongs to, the message
// type token, and the remaining pipe-separated arguments. Global messages
// (not tied to a room) have an empty Room.
type Message struct {
	Room string
	Type string
	Args []string
}

const (
	dataFramePrefix = `a["`
	dataFrameSuffix = `"]`
)

// IsDataFrame reports whether a raw websocket frame carries protocol messages.
// The server also sends "o" on open and "h" heartbeats, which carry nothing.
func IsDataFrame(frame string) bool {
	return strings.HasPrefix(frame, dataFramePrefix) && strings.HasSuffix(frame, dataFrameSuffix)
}

// Parse decodes one inbound data frame into protocol messages. The frame is
// stripped of its 3-character prefix and 2-character suffix, unquoted, and
// split into lines; a leading ">room" line sets the room for every line that
// follows it in the same frame.
func Parse(frame string) ([]Message, error) {
	if !IsDataFrame(frame) {
		return nil, fmt.Errorf("not a data frame: %.32q", frame)
	}

	// The stripped body is still JSON-escaped; re-quote it so newlines and
	// backslashes decode the same way the server encoded them.
	body := frame[len(dataFramePrefix)-1 : len(frame)-len(dataFrameSuffix)+1]
	var payload string
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return nil, fmt.Errorf("malformed data frame: %w", err)
	}

	var room string
	var messages []Message
	for _, line := range strings.Split(payload, "\n") {
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, ">") {
			room = line[1:]
			continue
		}
		messages = append(messages, parseLine(room, line))
	}
	return messages, nil
}

func parseLine(room, line string) Message {
	if !strings.Contains(line, "|") {
		// Plain room text (e.g. server chatter); keep it observable.
		return Message{Room: room, Args: []string{line}}
	}
	parts := strings.Split(line, "|")
	msg := Message{Room: room, Type: parts[1]}
	if room == "" && parts[0] != "" {
		msg.Room = parts[0]
	}
	if len(parts) > 2 {
		msg.Args = parts[2:]
	}
	return msg
}

// EncodeFrame wraps one outbound command into the wire envelope: a
// single-element JSON array literal of "room|text". Global commands pass an
// empty room.
func EncodeFrame(room, text string) ([]byte, error) {
	frame, err := json.Marshal([]string{room + "|" + text})
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return frame, nil
}

// JSONArg decodes the i-th argument as JSON. Query responses arrive with
// doubled backslashes, which are collapsed before decoding.
func (m Message) JSONArg(i int, v any) error {
	if i >= len(m.Args) {
		return fmt.Errorf("message has no argument %d", i)
	}
	raw := strings.ReplaceAll(m.Args[i], `\\`, `\`)
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("decode argument %d: %w", i, err)
	}
	return nil
}

// Arg returns the i-th argument or "" when absent.
func (m Message) Arg(i int) string {
	if i >= len(m.Args) {
		return ""
	}
	return m.Args[i]
}
