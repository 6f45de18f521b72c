package gateway

import (
	"sort"
	"sync"
	"time"
)

// idleAfter marks a client idle in ClientInfo.
const idleAfter = 5 * time.Minute

// ClientRegistry manages connected clients and their session subscriptions.
type ClientRegistry struct {
	mu            sync.RWMutex
	clients       map[string]*Client
	subscriptions map[string]map[string]struct{} // session id -> client ids
	now           func() time.Time
}

// NewClientRegistry creates a new client registry
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{
		clients:       make(map[string]*Client),
		subscriptions: make(map[string]map[string]struct{}),
		now:           time.Now,
	}
}

// Add adds a client to the registry
func (r *ClientRegistry) Add(client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.clients[client.ID] = client
}

// Remove removes a client and drops its subscriptions.
func (r *ClientRegistry) Remove(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.clients, clientID)
	for sessionID, subs := range r.subscriptions {
		delete(subs, clientID)
		if len(subs) == 0 {
			delete(r.subscriptions, sessionID)
		}
	}
}

// Get retrieves a client by ID
func (r *ClientRegistry) Get(clientID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	client, exists := r.clients[clientID]
	return client, exists
}

// GetAll returns all clients
func (r *ClientRegistry) GetAll() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clients := make([]*Client, 0, len(r.clients))
	for _, client := range r.clients {
		clients = append(clients, client)
	}
	return clients
}

// GetAuthenticatedClients returns only authenticated clients
func (r *ClientRegistry) GetAuthenticatedClients() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clients := make([]*Client, 0)
	for _, client := range r.clients {
		if client.Authenticated {
			clients = append(clients, client)
		}
	}
	return clients
}

// Subscribe registers interest in a session's turn events. Unknown clients
// are ignored.
func (r *ClientRegistry) Subscribe(clientID, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[clientID]; !ok {
		return false
	}
	subs, ok := r.subscriptions[sessionID]
	if !ok {
		subs = make(map[string]struct{})
		r.subscriptions[sessionID] = subs
	}
	subs[clientID] = struct{}{}
	return true
}

// Unsubscribe removes a client's interest in a session.
func (r *ClientRegistry) Unsubscribe(clientID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if subs, ok := r.subscriptions[sessionID]; ok {
		delete(subs, clientID)
		if len(subs) == 0 {
			delete(r.subscriptions, sessionID)
		}
	}
}

// Subscribers returns the authenticated clients subscribed to sessionID.
func (r *ClientRegistry) Subscribers(sessionID string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clients := make([]*Client, 0, len(r.subscriptions[sessionID]))
	for clientID := range r.subscriptions[sessionID] {
		if client, ok := r.clients[clientID]; ok && client.Authenticated {
			clients = append(clients, client)
		}
	}
	return clients
}

// Count returns the number of connected clients
func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.clients)
}

// GetConnectedClients returns client information for all connected clients,
// oldest connection first.
func (r *ClientRegistry) GetConnectedClients() []ClientInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	infos := make([]ClientInfo, 0, len(r.clients))

	for _, client := range r.clients {
		infos = append(infos, ClientInfo{
			ID:            client.ID,
			Authenticated: client.Authenticated,
			ConnectedAt:   client.ConnectedAt,
			LastActivity:  client.LastActivity,
			IPAddress:     client.IPAddress,
			State:         client.State.String(),
			Idle:          now.Sub(client.LastActivity) > idleAfter,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ConnectedAt.Before(infos[j].ConnectedAt)
	})

	return infos
}

// UpdateActivity updates the last activity time for a client
func (r *ClientRegistry) UpdateActivity(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if client, exists := r.clients[clientID]; exists {
		client.LastActivity = r.now()
	}
}
