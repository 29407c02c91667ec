// Package indi implements a client for the INDI device property protocol.
//
// The client keeps the latest snapshot of every property the server has
// defined. Reads never block; callers that need a property to exist wait for
// it with a bounded timeout.
package indi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/w1xm/platesolve/internal/log"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNotYetAvailable means the server has not defined the property yet.
	ErrNotYetAvailable = errors.New("property not yet available")
	// ErrPropertyDeleted means the server deleted the property; it will not
	// come back unless the device is redefined.
	ErrPropertyDeleted = errors.New("property deleted")
	ErrTimedOut        = errors.New("timed out waiting for property")
	ErrDisconnected    = errors.New("disconnected from INDI server")
	ErrReadOnly        = errors.New("property is read only")
)

// UpdateCallback is called on the protocol goroutine for every property
// definition or update. It must not block or call back into the Client.
type UpdateCallback func(p Property)

type key struct {
	device, name string
}

// Client is a connection to an INDI server.
type Client struct {
	conn     io.ReadWriteCloser
	callback UpdateCallback
	cancel   context.CancelFunc
	done     chan struct{}

	writeMu sync.Mutex

	mu      sync.Mutex
	props   map[key]*Property
	deleted map[key]bool
	// changed is closed and replaced whenever props change.
	changed chan struct{}
	err     error
}

// Dial connects to the INDI server at addr and requests all properties.
func Dial(ctx context.Context, addr string, callback UpdateCallback) (*Client, error) {
	dialer := &net.Dialer{
		Timeout: 5 * time.Second,
	}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("opening %q: %w", addr, err)
	}
	log.Info("connected to INDI server", "addr", addr)
	return NewClient(ctx, conn, callback)
}

// NewClient speaks INDI over an established connection. The connection is
// closed when ctx is done or Close is called.
func NewClient(ctx context.Context, conn io.ReadWriteCloser, callback UpdateCallback) (*Client, error) {
	ctx, cancel := context.WithCancel(ctx)
	c := &Client{
		conn:     conn,
		callback: callback,
		cancel:   cancel,
		done:     make(chan struct{}),
		props:    make(map[key]*Property),
		deleted:  make(map[key]bool),
		changed:  make(chan struct{}),
	}
	go func() {
		err := c.watch(ctx)
		c.shutdown(err)
	}()
	if err := c.send(&getPropertiesElement{Version: ProtocolVersion}); err != nil {
		cancel()
		return nil, fmt.Errorf("requesting properties: %w", err)
	}
	return c, nil
}

// Close disconnects from the server and waits for the reader to exit.
func (c *Client) Close() error {
	c.cancel()
	<-c.done
	return nil
}

// Done is closed once the connection has been lost or closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended, or nil while it is up.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) watch(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Wait for context to be canceled, then close connection.
		<-ctx.Done()
		return c.conn.Close()
	})
	g.Go(func() error {
		d := NewDecoder(c.conn)
		for {
			el, err := d.Next()
			if errors.Is(err, ErrMalformed) {
				log.Warn("dropping malformed INDI element", "element", el.Tag, "error", err)
				continue
			}
			if err != nil {
				if err == io.EOF {
					return io.EOF
				}
				return fmt.Errorf("reading INDI stream: %w", err)
			}
			c.handle(el)
		}
	})
	return g.Wait()
}

func (c *Client) shutdown(err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		err = errors.New("closed")
	}
	log.Info("INDI connection ended", "reason", err.Error())
	c.mu.Lock()
	c.err = fmt.Errorf("%w: %v", ErrDisconnected, err)
	c.broadcastLocked()
	c.mu.Unlock()
	close(c.done)
}

func (c *Client) handle(el Element) {
	switch {
	case el.Tag == "message":
		log.Info("INDI message", "device", el.Property.Device, "message", el.Message)
	case el.Tag == "delProperty":
		c.remove(el.Property.Device, el.Property.Name)
		log.Debug("INDI property deleted", "device", el.Property.Device, "name", el.Property.Name)
	case el.Verb == "def" || el.Verb == "set":
		if el.Message != "" {
			log.Info("INDI message", "device", el.Property.Device, "property", el.Property.Name, "message", el.Message)
		}
		p := c.update(el.Verb == "def", el.Property)
		if c.callback != nil {
			c.callback(p)
		}
	default:
		log.Debug("ignoring INDI element", "element", el.Tag)
	}
}

func (c *Client) update(define bool, p Property) Property {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := key{p.Device, p.Name}
	cur, ok := c.props[k]
	if define || !ok {
		cp := p.clone()
		c.props[k] = &cp
		delete(c.deleted, k)
	} else {
		cur.State = p.State
		if !p.Timestamp.IsZero() {
			cur.Timestamp = p.Timestamp
		}
		cur.merge(p.Values)
	}
	c.broadcastLocked()
	return c.props[k].clone()
}

// remove handles delProperty. An empty name deletes every property of the device.
func (c *Client) remove(device, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.props {
		if k.device == device && (name == "" || k.name == name) {
			delete(c.props, k)
			c.deleted[k] = true
		}
	}
	if name != "" {
		c.deleted[key{device, name}] = true
	}
	c.broadcastLocked()
}

func (c *Client) broadcastLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *Client) getLocked(device, name string) (Property, error) {
	if c.err != nil {
		return Property{}, c.err
	}
	k := key{device, name}
	if p, ok := c.props[k]; ok {
		return p.clone(), nil
	}
	if c.deleted[k] {
		return Property{}, fmt.Errorf("%s.%s: %w", device, name, ErrPropertyDeleted)
	}
	return Property{}, fmt.Errorf("%s.%s: %w", device, name, ErrNotYetAvailable)
}

// Get returns the current snapshot of a property without blocking.
func (c *Client) Get(device, name string) (Property, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(device, name)
}

// Properties returns snapshots of every known property.
func (c *Client) Properties() []Property {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Property, 0, len(c.props))
	for _, p := range c.props {
		out = append(out, p.clone())
	}
	return out
}

// WaitUntilAvailable blocks until the property is defined, or timeout elapses.
func (c *Client) WaitUntilAvailable(ctx context.Context, device, name string, timeout time.Duration) (Property, error) {
	return c.WaitUntil(ctx, device, name, timeout, nil)
}

// WaitUntil blocks until the property exists and cond, if non-nil, holds for it.
func (c *Client) WaitUntil(ctx context.Context, device, name string, timeout time.Duration, cond func(Property) bool) (Property, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		c.mu.Lock()
		p, err := c.getLocked(device, name)
		changed := c.changed
		c.mu.Unlock()
		switch {
		case err == nil:
			if cond == nil || cond(p) {
				return p, nil
			}
		case !errors.Is(err, ErrNotYetAvailable):
			return p, err
		}
		select {
		case <-changed:
		case <-timer.C:
			return p, fmt.Errorf("%s.%s after %v: %w", device, name, timeout, ErrTimedOut)
		case <-ctx.Done():
			return p, fmt.Errorf("%s.%s: %w", device, name, ctx.Err())
		}
	}
}

// Set sends new values for a property. It returns once the request is
// written; the outcome is observed later through Get. The local snapshot
// is marked Busy until the server reports otherwise.
func (c *Client) Set(device, name string, values ...Value) error {
	c.mu.Lock()
	p, err := c.getLocked(device, name)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if p.Perm == "ro" || p.Kind == KindLight {
		c.mu.Unlock()
		return fmt.Errorf("%s: %w", p, ErrReadOnly)
	}
	c.props[key{device, name}].State = StateBusy
	c.broadcastLocked()
	c.mu.Unlock()

	p.Values = values
	if err := c.send(vector("new", p)); err != nil {
		return fmt.Errorf("setting %s: %w", p, err)
	}
	return nil
}

// EnableBLOB asks the server to send BLOBs for device (and name, if set).
func (c *Client) EnableBLOB(device, name string, mode BLOBMode) error {
	return c.send(&enableBLOBElement{Device: device, Name: name, Mode: mode})
}

// ConnectDevice switches a device's CONNECTION property on and waits for the
// driver to confirm.
func (c *Client) ConnectDevice(ctx context.Context, device string, timeout time.Duration) error {
	connected := func(p Property) bool {
		on, _ := p.Switch("CONNECT")
		return on && p.State == StateOk
	}
	p, err := c.WaitUntilAvailable(ctx, device, "CONNECTION", timeout)
	if err != nil {
		return err
	}
	if connected(p) {
		return nil
	}
	if err := c.Set(device, "CONNECTION", Switch("CONNECT", true), Switch("DISCONNECT", false)); err != nil {
		return err
	}
	p, err = c.WaitUntil(ctx, device, "CONNECTION", timeout, func(p Property) bool {
		return connected(p) || p.State == StateAlert
	})
	if err != nil {
		return err
	}
	if p.State == StateAlert {
		return fmt.Errorf("%s refused connection", device)
	}
	log.Info("device connected", "device", device)
	return nil
}

func (c *Client) send(v any) error {
	data, err := marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write(data); err != nil {
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return nil
}
