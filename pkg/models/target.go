package models

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
)

const DefaultPort = 22

// Target identifies one remote endpoint. Host and port are fixed for the
// lifetime of the value; credentials may be rotated. Always pass by pointer.
type Target struct {
	host string
	port int

	mu       sync.RWMutex
	username string
	password string
}

// NewTarget builds a Target. A non-positive port falls back to DefaultPort.
func NewTarget(username, password, host string, port int) *Target {
	if port <= 0 {
		port = DefaultPort
	}
	return &Target{
		host:     host,
		port:     port,
		username: username,
		password: password,
	}
}

func (t *Target) Host() string { return t.host }
func (t *Target) Port() int    { return t.port }

// Endpoint renders host:port.
func (t *Target) Endpoint() string {
	return net.JoinHostPort(t.host, strconv.Itoa(t.port))
}

func (t *Target) Username() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.username
}

// Credentials returns the username/password pair as of now. Sessions read
// them once, at dial time.
func (t *Target) Credentials() (username, password string) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.username, t.password
}

func (t *Target) SetUsername(username string) {
	t.mu.Lock()
	t.username = username
	t.mu.Unlock()
}

func (t *Target) SetPassword(password string) {
	t.mu.Lock()
	t.password = password
	t.mu.Unlock()
}

func (t *Target) String() string {
	return fmt.Sprintf("(host=%s, port=%d, username=%s)", t.host, t.port, t.Username())
}

type targetJSON struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
}

// MarshalJSON never includes the password.
func (t *Target) MarshalJSON() ([]byte, error) {
	return json.Marshal(targetJSON{Host: t.host, Port: t.port, Username: t.Username()})
}
