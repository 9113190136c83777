// Package registry holds the ordered list of outbound connections: one
// direct egress at index 0 plus zero or more authenticated SOCKS5 proxies.
// The list is persisted to config_proxies.json and mutated through
// add/remove operations that renumber indices and write atomically.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
)

// Kind distinguishes the direct egress from SOCKS5 proxies.
type Kind string

const (
	KindDirect Kind = "direct"
	KindSOCKS5 Kind = "socks5"
)

// Connection is one outbound path. The direct connection has an empty URL.
type Connection struct {
	Index int    `json:"index"`
	Kind  Kind   `json:"type"`
	URL   string `json:"url,omitempty"`
}

// Errors returned by registry mutations.
var (
	ErrNotSOCKS5      = errors.New("proxy URL must use the socks5 scheme")
	ErrDuplicateProxy = errors.New("proxy already registered")
	ErrProxyNotFound  = errors.New("proxy not registered")
)

// connectionsFile is the on-disk shape of config_proxies.json. Unknown
// legacy fields are dropped on load by virtue of not being declared here.
type connectionsFile struct {
	Connections []Connection `json:"connections"`
}

// Registry is the in-memory connection list plus the round-robin cursor
// over proxies. All methods are safe for concurrent use.
type Registry struct {
	path string

	mu          sync.RWMutex
	connections []Connection
	cursor      int // next proxy slice position to hand out
}

// Load reads config_proxies.json from dir, synthesising the direct entry
// at index 0 if the file is missing or lacks one.
func Load(dir string) (*Registry, error) {
	r := &Registry{path: filepath.Join(dir, "config_proxies.json")}

	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			r.connections = []Connection{{Index: 0, Kind: KindDirect}}
			return r, nil
		}
		return nil, fmt.Errorf("reading %s: %w", r.path, err)
	}

	var f connectionsFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", r.path, err)
	}

	// Rebuild the list with direct first, then proxies in file order.
	// This repairs files where the direct entry is missing or misplaced.
	conns := []Connection{{Index: 0, Kind: KindDirect}}
	for _, c := range f.Connections {
		if c.Kind != KindSOCKS5 || c.URL == "" {
			continue
		}
		conns = append(conns, Connection{Index: len(conns), Kind: KindSOCKS5, URL: c.URL})
	}
	r.connections = conns
	return r, nil
}

// Save persists the connection list atomically (temp file + rename).
func (r *Registry) Save() error {
	r.mu.RLock()
	f := connectionsFile{Connections: append([]Connection(nil), r.connections...)}
	r.mu.RUnlock()

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling connections: %w", err)
	}

	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("renaming %s: %w", tmp, err)
	}
	return nil
}

// ValidateProxyURL checks that raw parses as an authenticated SOCKS5 URL
// with an authority component.
func ValidateProxyURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parsing proxy URL: %w", err)
	}
	if u.Scheme != "socks5" {
		return ErrNotSOCKS5
	}
	if u.Host == "" {
		return fmt.Errorf("proxy URL %q has no host", raw)
	}
	if u.User == nil || u.User.Username() == "" {
		return fmt.Errorf("proxy URL %q has no credentials", raw)
	}
	return nil
}

// AddProxy validates, appends, and persists a new SOCKS5 proxy.
// Duplicate URLs are rejected.
func (r *Registry) AddProxy(raw string) (Connection, error) {
	if err := ValidateProxyURL(raw); err != nil {
		return Connection{}, err
	}

	r.mu.Lock()
	for _, c := range r.connections {
		if c.Kind == KindSOCKS5 && c.URL == raw {
			r.mu.Unlock()
			return Connection{}, ErrDuplicateProxy
		}
	}
	conn := Connection{Index: len(r.connections), Kind: KindSOCKS5, URL: raw}
	r.connections = append(r.connections, conn)
	r.mu.Unlock()

	return conn, r.Save()
}

// RemoveProxy removes the proxy with the given URL, compacts indices, and
// clamps the round-robin cursor so it stays within the surviving proxies.
func (r *Registry) RemoveProxy(raw string) error {
	r.mu.Lock()
	found := -1
	for i, c := range r.connections {
		if c.Kind == KindSOCKS5 && c.URL == raw {
			found = i
			break
		}
	}
	if found < 0 {
		r.mu.Unlock()
		return ErrProxyNotFound
	}

	r.connections = append(r.connections[:found], r.connections[found+1:]...)
	for i := range r.connections {
		r.connections[i].Index = i
	}
	if n := len(r.connections) - 1; n > 0 { // proxies remaining
		r.cursor = r.cursor % n
	} else {
		r.cursor = 0
	}
	r.mu.Unlock()

	return r.Save()
}

// Connections returns a copy of the current connection list.
func (r *Registry) Connections() []Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Connection(nil), r.connections...)
}

// ByIndex returns the connection at index, or false if out of range.
func (r *Registry) ByIndex(index int) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if index < 0 || index >= len(r.connections) {
		return Connection{}, false
	}
	return r.connections[index], true
}

// ProxyCount returns the number of non-direct connections.
func (r *Registry) ProxyCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections) - 1
}

// NextProxyOrder returns the connection indices of all proxies starting at
// the round-robin cursor and advances the cursor by one. The dispatcher
// walks this order until it finds an available connection. Returns nil
// when no proxies are registered.
func (r *Registry) NextProxyOrder() []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.connections) - 1
	if n <= 0 {
		return nil
	}

	order := make([]int, 0, n)
	for i := 0; i < n; i++ {
		// Proxy slice position -> connection index (offset by the direct entry).
		order = append(order, 1+(r.cursor+i)%n)
	}
	r.cursor = (r.cursor + 1) % n
	return order
}
