package realtime

import (
	"sync"
)

// Hub tracks open clients so they can be counted and closed together on
// shutdown.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	tasks   map[string]string
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		tasks:   make(map[string]string),
	}
}

func (h *Hub) Register(client *Client, taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID()] = client
	h.tasks[client.ID()] = taskID
}

func (h *Hub) Unregister(clientID string) {
	h.mu.Lock()
	client, ok := h.clients[clientID]
	if ok {
		delete(h.clients, clientID)
		delete(h.tasks, clientID)
	}
	h.mu.Unlock()

	if ok {
		client.Close()
	}
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// TaskClients returns the ids of clients opened for taskID.
func (h *Hub) TaskClients(taskID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var ids []string
	for id, task := range h.tasks {
		if task == taskID {
			ids = append(ids, id)
		}
	}
	return ids
}

func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.clients = make(map[string]*Client)
	h.tasks = make(map[string]string)
	h.mu.Unlock()

	for _, client := range clients {
		client.Close()
	}
}
