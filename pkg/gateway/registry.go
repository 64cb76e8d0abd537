package gateway

import (
	"sort"
	"sync"
	"time"
)

// A client with no traffic for this long is reported as idle.
const idleAfter = 5 * time.Minute

// ClientRegistry is the set of live websocket clients keyed by client ID.
type ClientRegistry struct {
	mu   sync.RWMutex
	byID map[string]*Client
}

func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{byID: make(map[string]*Client)}
}

func (r *ClientRegistry) Add(client *Client) {
	r.mu.Lock()
	r.byID[client.ID] = client
	r.mu.Unlock()
}

func (r *ClientRegistry) Remove(clientID string) {
	r.mu.Lock()
	delete(r.byID, clientID)
	r.mu.Unlock()
}

func (r *ClientRegistry) Get(clientID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.byID[clientID]
	return client, ok
}

// Len reports how many clients are connected.
func (r *ClientRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// All returns every connected client.
func (r *ClientRegistry) All() []*Client {
	return r.filter(func(*Client) bool { return true })
}

// Subscribers returns the clients following sessionID.
func (r *ClientRegistry) Subscribers(sessionID string) []*Client {
	return r.filter(func(c *Client) bool { return c.IsSubscribed(sessionID) })
}

func (r *ClientRegistry) filter(keep func(*Client) bool) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Client
	for _, c := range r.byID {
		if keep(c) {
			out = append(out, c)
		}
	}
	return out
}

// Touch records activity for clientID.
func (r *ClientRegistry) Touch(clientID string) {
	r.mu.Lock()
	if c, ok := r.byID[clientID]; ok {
		c.LastActivity = time.Now()
	}
	r.mu.Unlock()
}

// Infos describes the connected clients, oldest connection first.
func (r *ClientRegistry) Infos() []ClientInfo {
	now := time.Now()

	r.mu.RLock()
	infos := make([]ClientInfo, 0, len(r.byID))
	for _, c := range r.byID {
		subs := c.subscriptions()
		sort.Strings(subs)
		infos = append(infos, ClientInfo{
			ID:            c.ID,
			ConnectedAt:   c.ConnectedAt,
			LastActivity:  c.LastActivity,
			IPAddress:     c.IPAddress,
			Idle:          now.Sub(c.LastActivity) > idleAfter,
			Subscriptions: subs,
		})
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].ConnectedAt.Before(infos[j].ConnectedAt) })
	return infos
}
