package command

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrEmptyKey      = errors.New("invalid command: empty key")
	ErrEmptyClientID = errors.New("invalid command: empty client id")
	ErrZeroSerial    = errors.New("invalid command: serial must start at 1")
	ErrUnknownOp     = errors.New("invalid command: unknown operation")
)

type Op string

const (
	OpSet    Op = "set"
	OpDelete Op = "delete"
	OpGet    Op = "get"
)

// Command is a client request as it travels through the log.
// (ClientID, Serial) is unique across the log; Serial grows per client.
type Command struct {
	ClientID string `json:"client_id"`
	Serial   uint64 `json:"serial"`
	Key      string `json:"key"`
	Op       Op     `json:"op"`
	Value    string `json:"value,omitempty"`
}

func NewSet(clientID string, serial uint64, key, value string) Command {
	return Command{ClientID: clientID, Serial: serial, Key: key, Op: OpSet, Value: value}
}

func NewDelete(clientID string, serial uint64, key string) Command {
	return Command{ClientID: clientID, Serial: serial, Key: key, Op: OpDelete}
}

func NewGet(clientID string, serial uint64, key string) Command {
	return Command{ClientID: clientID, Serial: serial, Key: key, Op: OpGet}
}

// SessionKey correlates a command with the caller waiting for its response.
type SessionKey struct {
	ClientID string
	Serial   uint64
}

func (c Command) SessionKey() SessionKey {
	return SessionKey{ClientID: c.ClientID, Serial: c.Serial}
}

func (c Command) Validate() error {
	if c.ClientID == "" {
		return ErrEmptyClientID
	}
	if c.Serial == 0 {
		return ErrZeroSerial
	}
	if c.Key == "" {
		return ErrEmptyKey
	}
	switch c.Op {
	case OpSet, OpDelete, OpGet:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOp, c.Op)
	}
}

// IsMutation reports whether applying c changes the key-value map.
func (c Command) IsMutation() bool {
	return c.Op == OpSet || c.Op == OpDelete
}

func Encode(c Command) ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal command: %w", err)
	}
	return data, nil
}

// Decode parses a payload and rejects anything that is not a valid command.
func Decode(data []byte) (Command, error) {
	var c Command
	if err := json.Unmarshal(data, &c); err != nil {
		return Command{}, fmt.Errorf("unmarshal command: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Command{}, err
	}
	return c, nil
}

// Response is what the state machine returns for an applied command.
type Response struct {
	// Index is the log index the response was produced at.
	Index uint64 `json:"index"`
	Value string `json:"value,omitempty"`
	Found bool   `json:"found,omitempty"`
	// Stale is set when the serial is older than the latest one seen for the client.
	Stale bool `json:"stale,omitempty"`
}
