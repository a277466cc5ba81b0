// Package relays owns one transport connection per configured relay
// address. Connecting is best-effort: one unreachable relay never
// blocks the rest. Reconnection is triggered by relay-configuration
// changes (Reset) or implicitly when a caller re-requests the pool.
package relays

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sasha-s/go-deadlock"

	"cloakroom/engine/library"
)

// canceler is what the subscription registry needs from its entries.
type canceler interface {
	Unsub()
}

// Connection is one live relay plus its own subscription registry, so
// per-feature listeners disappear with the connection and never leak
// across resets.
type Connection struct {
	URL   string
	Relay *nostr.Relay
	subs  *xsync.MapOf[string, canceler]
}

// Addr satisfies the delivery.Publisher interface.
func (c *Connection) Addr() string { return c.URL }

func (c *Connection) Publish(ctx context.Context, e nostr.Event) error {
	return c.Relay.Publish(ctx, e)
}

// Subscribe issues a REQ under the given identifier, replacing and
// cancelling any previous subscription stored under the same one.
func (c *Connection) Subscribe(ctx context.Context, id string, filters []nostr.Filter) (*nostr.Subscription, error) {
	sub, err := c.Relay.Subscribe(ctx, filters, nostr.WithLabel(id))
	if err != nil {
		return nil, err
	}
	c.track(id, sub)
	return sub, nil
}

// track registers a live subscription under its identifier. The
// previous holder of the identifier is unsubscribed so a rewritten
// filter never leaves its predecessor draining.
func (c *Connection) track(id string, sub canceler) {
	if prev, ok := c.subs.LoadAndStore(id, sub); ok && prev != nil {
		prev.Unsub()
	}
}

func (c *Connection) close() {
	c.subs.Range(func(_ string, sub canceler) bool {
		sub.Unsub()
		return true
	})
	c.subs.Clear()
	c.Relay.Close()
}

type Pool struct {
	mu        deadlock.Mutex
	conns     map[string]*Connection
	onConnect func(*Connection)
}

func NewPool() *Pool {
	return &Pool{conns: make(map[string]*Connection)}
}

// OnConnect registers a hook fired for every newly opened connection,
// before Get returns it. The engine uses it to (re)issue all standing
// subscriptions against the fresh connection.
func (p *Pool) OnConnect(fn func(*Connection)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onConnect = fn
}

// dialTimeout bounds one connection attempt so a black-holed relay
// cannot stall the dial round.
var dialTimeout = 10 * time.Second

// Get returns one live connection per URL, lazily connecting on first
// request and reusing afterward. Missing relays are dialled in parallel
// and outside the pool lock, so one slow relay never delays the rest.
func (p *Pool) Get(ctx context.Context, urls []string) []*Connection {
	p.mu.Lock()
	hook := p.onConnect
	var out []*Connection
	var missing []string
	for _, url := range urls {
		if conn, ok := p.conns[url]; ok {
			out = append(out, conn)
			continue
		}
		missing = append(missing, url)
	}
	p.mu.Unlock()
	if len(missing) == 0 {
		return out
	}

	dialled := make(chan *Connection, len(missing))
	var wg sync.WaitGroup
	for _, url := range missing {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			dial, cancel := context.WithTimeout(ctx, dialTimeout)
			defer cancel()
			conn, err := p.connect(dial, url, hook)
			if err != nil {
				library.LogCLI(fmt.Sprintf("could not connect to relay %s: %s", url, err.Error()), 2)
				return
			}
			dialled <- conn
		}(url)
	}
	wg.Wait()
	close(dialled)

	for conn := range dialled {
		p.mu.Lock()
		existing, raced := p.conns[conn.URL]
		if !raced {
			p.conns[conn.URL] = conn
		}
		p.mu.Unlock()
		if raced {
			// a concurrent Get connected the same relay first
			conn.close()
			conn = existing
		}
		out = append(out, conn)
	}
	return out
}

// Reset closes every existing connection and connects to the new
// address set.
func (p *Pool) Reset(ctx context.Context, urls []string) []*Connection {
	p.mu.Lock()
	for _, conn := range p.conns {
		conn.close()
	}
	p.conns = make(map[string]*Connection)
	p.mu.Unlock()
	return p.Get(ctx, urls)
}

// All enumerates the currently open connections.
func (p *Pool) All() []*Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Connection, 0, len(p.conns))
	for _, conn := range p.conns {
		out = append(out, conn)
	}
	return out
}

func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, conn := range p.conns {
		conn.close()
	}
	p.conns = make(map[string]*Connection)
}

func (p *Pool) connect(ctx context.Context, url string, hook func(*Connection)) (*Connection, error) {
	relay, err := nostr.RelayConnect(ctx, url, nostr.WithNoticeHandler(func(notice string) {
		library.LogCLI(fmt.Sprintf("NOTICE from %s: %s", url, notice), 3)
	}))
	if err != nil {
		return nil, err
	}
	conn := &Connection{
		URL:   url,
		Relay: relay,
		subs:  xsync.NewMapOf[string, canceler](),
	}
	if hook != nil {
		hook(conn)
	}
	return conn, nil
}
