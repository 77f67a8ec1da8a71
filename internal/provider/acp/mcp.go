package acp

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	acpsdk "github.com/coder/acp-go-sdk"
)

var (
	ErrMCPInvalidPath = errors.New("MCP command path is not absolute")
	ErrMCPArgsTooMany = errors.New("MCP command has too many arguments")
	ErrMCPArgTooLong  = errors.New("MCP argument exceeds maximum length")
	ErrMCPInvalidArg  = errors.New("MCP argument contains invalid characters")
	ErrMCPNoName      = errors.New("MCP server name is required")
)

const (
	maxMCPArgs      = 50
	maxMCPArgLength = 4096
)

// MCPServer is a stdio MCP server handed to every new agent session.
// Servers are trusted configuration; validation only catches mistakes.
type MCPServer struct {
	Name    string            `yaml:"name" json:"name"`
	Command string            `yaml:"command" json:"command"`
	Args    []string          `yaml:"args" json:"args"`
	Env     map[string]string `yaml:"env" json:"-"`
}

func (s MCPServer) Validate() error {
	if s.Name == "" {
		return ErrMCPNoName
	}
	if !filepath.IsAbs(s.Command) {
		return fmt.Errorf("%w: %s", ErrMCPInvalidPath, s.Command)
	}
	if len(s.Args) > maxMCPArgs {
		return fmt.Errorf("%w: %d > %d", ErrMCPArgsTooMany, len(s.Args), maxMCPArgs)
	}
	for i, arg := range s.Args {
		if len(arg) > maxMCPArgLength {
			return fmt.Errorf("%w: arg %d", ErrMCPArgTooLong, i)
		}
		if strings.ContainsRune(arg, 0) {
			return fmt.Errorf("%w: arg %d contains NUL", ErrMCPInvalidArg, i)
		}
	}
	return nil
}

type envVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type stdioServer struct {
	Name    string   `json:"name"`
	Command string   `json:"command"`
	Args    []string `json:"args"`
	Env     []envVar `json:"env"`
}

// toSDK converts servers to the session request form. The wire shape is
// decoded into the SDK type so its own union handling applies.
func toSDK(servers []MCPServer) ([]acpsdk.McpServer, error) {
	out := make([]acpsdk.McpServer, 0, len(servers))
	for _, s := range servers {
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("mcp server %q: %w", s.Name, err)
		}
		wire := stdioServer{Name: s.Name, Command: s.Command, Args: s.Args, Env: []envVar{}}
		if wire.Args == nil {
			wire.Args = []string{}
		}
		for k, v := range s.Env {
			wire.Env = append(wire.Env, envVar{Name: k, Value: v})
		}
		b, err := json.Marshal(wire)
		if err != nil {
			return nil, err
		}
		var server acpsdk.McpServer
		if err := json.Unmarshal(b, &server); err != nil {
			return nil, fmt.Errorf("mcp server %q: %w", s.Name, err)
		}
		out = append(out, server)
	}
	return out, nil
}
