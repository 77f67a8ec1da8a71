// Command taskrelay-mcp exposes a running taskrelay server to MCP clients
// over stdio, so an agent can start and follow tasks on other agents.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ricochet1k/taskrelay/internal/config"
	"github.com/ricochet1k/taskrelay/internal/logging"
)

const (
	envURL     = "TASKRELAY_URL"
	defaultURL = "http://127.0.0.1:8420"
)

var version = "dev"

func main() {
	// stdout carries the protocol, so logs go to stderr.
	logger, err := logging.Setup(os.Stderr, logging.Options{Level: os.Getenv("TASKRELAY_LOG_LEVEL"), NoColor: true})
	if err != nil {
		slog.Error("logger setup failed", "err", err)
		os.Exit(1)
	}

	baseURL := os.Getenv(envURL)
	if baseURL == "" {
		baseURL = defaultURL
	}
	tools := NewRelayTools(newRelayClient(baseURL, os.Getenv(config.EnvAuthToken)))
	server := newServer(tools)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger.Info("mcp server starting", "relay", baseURL)
	if err := server.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
		logger.Error("mcp server stopped", "err", err)
		os.Exit(1)
	}
}

func newServer(tools *RelayTools) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: "taskrelay", Version: version}, nil)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_providers",
		Description: "List the agent providers the relay can start tasks on.",
	}, tools.listProviders)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_tasks",
		Description: "List tasks known to the relay with their status.",
	}, tools.listTasks)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "create_task",
		Description: "Start a new task on a provider with an initial prompt.",
	}, tools.createTask)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_task",
		Description: "Get a task's status, pending approval and slash commands.",
	}, tools.getTask)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "prompt_task",
		Description: "Send a follow-up prompt to an idle task.",
	}, tools.promptTask)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_messages",
		Description: "Read a page of a task's message history, newest last.",
	}, tools.getMessages)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "interrupt_task",
		Description: "Interrupt a running task.",
	}, tools.interruptTask)
	return server
}
