// Package protocol holds the device-facing fetch capabilities. The core
// never looks inside a protocol: it asks the Table for the Client bound to a
// job's protocol and calls Fetch.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/itskum47/scnms/monitor/store"
)

// ErrUnsupportedProtocol is returned when no client is registered for a protocol.
var ErrUnsupportedProtocol = errors.New("unsupported protocol")

// Client fetches one request (an OID list or a data path) from a device.
// The deadline for the whole operation comes from ctx.
type Client interface {
	Fetch(ctx context.Context, device store.Device, request string) (map[string]string, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, device store.Device, request string) (map[string]string, error)

func (f ClientFunc) Fetch(ctx context.Context, device store.Device, request string) (map[string]string, error) {
	return f(ctx, device, request)
}

// Table maps each protocol to its client. It is built once at startup and
// read-only afterwards.
type Table struct {
	clients  map[store.Protocol]Client
	timeouts map[store.Protocol]time.Duration
}

func NewTable() *Table {
	return &Table{
		clients:  make(map[store.Protocol]Client),
		timeouts: make(map[store.Protocol]time.Duration),
	}
}

// Register binds a client and its per-fetch timeout to a protocol.
func (t *Table) Register(p store.Protocol, c Client, timeout time.Duration) *Table {
	t.clients[p] = c
	t.timeouts[p] = timeout
	return t
}

// Lookup returns the client for p.
func (t *Table) Lookup(p store.Protocol) (Client, error) {
	c, ok := t.clients[p]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProtocol, p)
	}
	return c, nil
}

// Timeout returns the fetch timeout registered for p, or 0.
func (t *Table) Timeout(p store.Protocol) time.Duration {
	return t.timeouts[p]
}

// Config carries the default credentials and transport settings applied when
// a device does not override them.
type Config struct {
	SNMP     SNMPConfig     `mapstructure:"snmp"`
	NETCONF  NETCONFConfig  `mapstructure:"netconf"`
	RESTCONF RESTCONFConfig `mapstructure:"restconf"`
}

type SNMPConfig struct {
	Community string        `mapstructure:"community"`
	Version   string        `mapstructure:"version"`
	Port      uint16        `mapstructure:"port"`
	Timeout   time.Duration `mapstructure:"timeout"`
	Retries   int           `mapstructure:"retries"`
}

type NETCONFConfig struct {
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	Port     int           `mapstructure:"port"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type RESTCONFConfig struct {
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	Scheme   string        `mapstructure:"scheme"`
	Port     int           `mapstructure:"port"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Insecure bool          `mapstructure:"insecure"`
}

// DefaultConfig mirrors the stock deployment settings.
func DefaultConfig() Config {
	return Config{
		SNMP:     SNMPConfig{Community: "public", Version: "2c", Port: 161, Timeout: 5 * time.Second, Retries: 3},
		NETCONF:  NETCONFConfig{Username: "admin", Password: "admin", Port: 830, Timeout: 30 * time.Second},
		RESTCONF: RESTCONFConfig{Username: "admin", Password: "admin", Scheme: "https", Port: 443, Timeout: 30 * time.Second, Insecure: true},
	}
}

// NewDefaultTable registers the reference SNMP, NETCONF and RESTCONF clients.
func NewDefaultTable(cfg Config) *Table {
	return NewTable().
		Register(store.ProtocolSNMP, NewSNMPClient(cfg.SNMP), snmpBudget(cfg.SNMP)).
		Register(store.ProtocolNETCONF, NewNETCONFClient(cfg.NETCONF), cfg.NETCONF.Timeout).
		Register(store.ProtocolRESTCONF, NewRESTCONFClient(cfg.RESTCONF), cfg.RESTCONF.Timeout)
}

// snmpBudget covers every retry of one request.
func snmpBudget(cfg SNMPConfig) time.Duration {
	return cfg.Timeout * time.Duration(cfg.Retries+1)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
