// Package realtime defines the commands a viewer sends over a task
// WebSocket. Server-to-client events are domain events serialized by the
// server.
package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
)

type CommandType string

const (
	CommandTypePrompt    CommandType = "prompt"
	CommandTypeApprove   CommandType = "approve"
	CommandTypeDeny      CommandType = "deny"
	CommandTypeInterrupt CommandType = "interrupt"
)

var (
	ErrUnknownCommand  = errors.New("unknown command type")
	ErrInvalidCommand  = errors.New("invalid command")
	ErrMalformedPacket = errors.New("malformed command")
)

// Command is one client message. Fields beyond Type apply to the command
// types noted beside them.
type Command struct {
	Type CommandType `json:"type"`

	// prompt
	Text string `json:"text,omitempty"`

	// approve, deny
	ToolUseID string `json:"toolUseId,omitempty"`

	// approve
	AlwaysAllow  bool              `json:"alwaysAllow,omitempty"`
	Answers      map[string]string `json:"answers,omitempty"`
	UpdatedInput json.RawMessage   `json:"updatedInput,omitempty"`

	// deny
	Message string `json:"message,omitempty"`
}

// ParseCommand decodes and validates one client message.
func ParseCommand(raw []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	if err := cmd.Validate(); err != nil {
		return Command{}, err
	}
	return cmd, nil
}

func (c Command) Validate() error {
	switch c.Type {
	case CommandTypePrompt:
		if c.Text == "" {
			return fmt.Errorf("%w: prompt text is required", ErrInvalidCommand)
		}
	case CommandTypeApprove, CommandTypeDeny:
		if c.ToolUseID == "" {
			return fmt.Errorf("%w: toolUseId is required", ErrInvalidCommand)
		}
	case CommandTypeInterrupt:
	case "":
		return fmt.Errorf("%w: missing type", ErrInvalidCommand)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownCommand, c.Type)
	}
	return nil
}
