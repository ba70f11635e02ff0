package palserver

import (
	"context"
	"sync"
)

// DialFunc opens a new session.
type DialFunc func(ctx context.Context) (*Client, error)

// Holder owns the gateway's current session. Callers always go through
// Current, so a session replaced by Redial is picked up transparently.
type Holder struct {
	mu     sync.RWMutex
	client *Client
	dial   DialFunc
}

// NewHolder wraps an already started session. dial may be nil, in which
// case Redial never replaces a terminated session.
func NewHolder(client *Client, dial DialFunc) *Holder {
	return &Holder{client: client, dial: dial}
}

// Current returns the session in use.
func (h *Holder) Current() *Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.client
}

// Redial replaces a terminated session with a fresh one. It reports whether
// a new session was installed.
func (h *Holder) Redial(ctx context.Context) (bool, error) {
	if h.dial == nil {
		return false, nil
	}
	if current := h.Current(); current != nil && current.Alive() {
		return false, nil
	}

	// Dial without the lock so Current stays available meanwhile.
	client, err := h.dial(ctx)
	if err != nil {
		return false, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.client != nil && h.client.Alive() {
		client.Close()
		return false, nil
	}
	h.client = client
	return true, nil
}

// Close stops the current session and waits for it to release the
// connection or for ctx to end.
func (h *Holder) Close(ctx context.Context) {
	client := h.Current()
	if client == nil {
		return
	}
	client.Close()
	select {
	case <-client.Done():
	case <-ctx.Done():
	}
}
