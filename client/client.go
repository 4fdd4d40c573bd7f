// Package client is a client site: it keeps a local replica of one document
// in sync with a host over a websocket.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"github.com/asadovsky/jupiter/server/common"
	"github.com/asadovsky/jupiter/server/logging"
	"github.com/asadovsky/jupiter/server/ot"
)

// ErrClosed is returned by operations on a closed client.
var ErrClosed = errors.New("client: closed")

type Config struct {
	URL   string // host base URL, e.g. ws://localhost:4000
	DocID string

	// Interval between checksums sent to the host; zero disables.
	ChecksumInterval time.Duration
	// Dial gives up after this long; zero retries until the context is done.
	MaxElapsed time.Duration

	Logger    *logging.Logger
	Transform ot.TransformFunc

	// Callbacks run on the read goroutine without locks held.
	OnEdits    func([]ot.TextEdit)
	OnSnapshot func(text string)
	OnDiverged func(ot.Divergence)
}

type Client struct {
	cfg  Config
	log  *logging.Logger
	conn *websocket.Conn

	wmu sync.Mutex // serializes writes to conn

	mu       sync.Mutex // protects the fields below; acquired before wmu
	site     string
	epoch    int
	engine   *ot.Engine
	text     *ot.Text
	detector *ot.Detector
	pending  []func() // callbacks to run once mu is released
	err      error

	ready chan struct{} // closed on the first Snapshot
	quit  chan struct{}
	done  chan struct{} // closed when the read loop exits
	once  sync.Once
}

// Dial connects to the host, retrying with exponential backoff, and waits
// for the initial snapshot of cfg.DocID.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	u := strings.TrimSuffix(cfg.URL, "/") + "/ws/" + url.PathEscape(cfg.DocID)
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxElapsedTime = cfg.MaxElapsed
	var conn *websocket.Conn
	err := backoff.Retry(func() error {
		var err error
		conn, _, err = websocket.DefaultDialer.DialContext(ctx, u, nil)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", u, err)
	}

	c := &Client{
		cfg:   cfg,
		log:   cfg.Logger,
		conn:  conn,
		text:  ot.NewText(""),
		ready: make(chan struct{}),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	if c.log == nil {
		c.log = logging.New("client")
	}
	c.detector = &ot.Detector{Report: c.reportDivergence}
	if err := c.write(&common.Init{Type: "Init", DocId: cfg.DocID}); err != nil {
		conn.Close()
		return nil, err
	}
	go c.readLoop()

	select {
	case <-c.ready:
	case <-c.done:
		c.Close()
		return nil, fmt.Errorf("client: closed before snapshot: %w", c.Err())
	case <-ctx.Done():
		c.Close()
		return nil, ctx.Err()
	}
	if cfg.ChecksumInterval > 0 {
		go c.checksumLoop(cfg.ChecksumInterval)
	}
	return c, nil
}

// Site returns the id the host assigned to this site.
func (c *Client) Site() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.site
}

func (c *Client) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.text.Value()
}

func (c *Client) Timestamp() ot.Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine.Timestamp()
}

// Pending returns the number of local ops the host has not acknowledged.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine.Pending()
}

// Err returns the error that stopped the read loop, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) Insert(pos int, text string) error {
	op, err := ot.NewInsert(pos, text)
	if err != nil {
		return err
	}
	return c.Do(op)
}

// Delete deletes n bytes at pos.
func (c *Client) Delete(pos, n int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.text.Value()
	if pos < 0 || n < 0 || pos+n > len(s) {
		return fmt.Errorf("%w: delete [%d,%d) of %d", ot.ErrInvalidOp, pos, pos+n, len(s))
	}
	return c.doLocked(&ot.Delete{Pos: pos, Value: s[pos : pos+n]})
}

// Do applies op to the local replica and sends it to the host.
func (c *Client) Do(op ot.Op) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doLocked(op)
}

func (c *Client) doLocked(op ot.Op) error {
	select {
	case <-c.quit:
		return ErrClosed
	default:
	}
	if err := c.text.Apply(op); err != nil {
		return err
	}
	return c.write(common.NewUpdate(c.epoch, c.engine.Generate(op)))
}

// SendChecksum sends the digest of the local replica, stamped with the
// current timestamp.
func (c *Client) SendChecksum() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ck := ot.Checksum{
		Doc:       c.cfg.DocID,
		Site:      c.site,
		Timestamp: c.engine.Timestamp(),
		Digest:    c.text.Digest(),
	}
	return c.write(common.NewChecksum(c.epoch, ck))
}

// Close disconnects from the host and waits for the read loop to exit.
func (c *Client) Close() error {
	c.once.Do(func() {
		close(c.quit)
		c.wmu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.wmu.Unlock()
		c.conn.Close()
	})
	<-c.done
	return nil
}

func (c *Client) write(v interface{}) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, buf)
}

func (c *Client) checksumLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.SendChecksum(); err != nil {
				c.log.Error("send checksum", err)
			}
		case <-c.quit:
			return
		case <-c.done:
			return
		}
	}
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		_, buf, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.quit:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.log.Error("read", err)
					c.mu.Lock()
					c.err = err
					c.mu.Unlock()
				}
			}
			return
		}
		if err := c.handle(buf); err != nil {
			c.log.Error("handle", err)
		}
	}
}

func (c *Client) handle(buf []byte) error {
	// TODO: Avoid decoding multiple times.
	var mt common.MsgType
	if err := json.Unmarshal(buf, &mt); err != nil {
		return err
	}
	c.mu.Lock()
	var err error
	switch mt.Type {
	case "Snapshot":
		var msg common.Snapshot
		if err = json.Unmarshal(buf, &msg); err == nil {
			c.processSnapshotMsg(&msg)
		}
	case "Update":
		var msg common.Update
		if err = json.Unmarshal(buf, &msg); err == nil {
			err = c.processUpdateMsg(&msg)
		}
	case "Checksum":
		var msg common.Checksum
		if err = json.Unmarshal(buf, &msg); err == nil {
			err = c.processChecksumMsg(&msg)
		}
	case "Error":
		var msg common.Error
		if err = json.Unmarshal(buf, &msg); err == nil {
			err = fmt.Errorf("host: %s", msg.Message)
		}
	default:
		err = fmt.Errorf("unknown message type: %s", mt.Type)
	}
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, f := range pending {
		f()
	}
	return err
}

// The process* methods require c.mu.

func (c *Client) processSnapshotMsg(msg *common.Snapshot) {
	if c.engine != nil && c.engine.Pending() > 0 {
		c.log.Reset(msg.DocId, msg.SiteId, fmt.Sprintf("dropped %d unacknowledged ops", c.engine.Pending()))
	}
	c.site = msg.SiteId
	c.epoch = msg.Epoch
	c.engine = ot.NewEngine(false, c.cfg.Transform)
	c.text.Reset(msg.Text)
	select {
	case <-c.ready:
	default:
		close(c.ready)
	}
	if f := c.cfg.OnSnapshot; f != nil {
		text := msg.Text
		c.pending = append(c.pending, func() { f(text) })
	}
}

func (c *Client) processUpdateMsg(msg *common.Update) error {
	if msg.Epoch != c.epoch {
		return nil
	}
	m, err := msg.Stamped()
	if err != nil {
		c.resyncLocked()
		return err
	}
	op, err := c.engine.Integrate(m.Op, m.Timestamp)
	if err != nil {
		c.resyncLocked()
		return err
	}
	edits := ot.ToEdits(op, c.cfg.DocID, msg.SiteId)
	if err := c.text.ApplyEdits(edits); err != nil {
		c.resyncLocked()
		return err
	}
	if f := c.cfg.OnEdits; f != nil && len(edits) > 0 {
		c.pending = append(c.pending, func() { f(edits) })
	}
	return nil
}

func (c *Client) processChecksumMsg(msg *common.Checksum) error {
	if msg.Epoch != c.epoch {
		return nil
	}
	if c.detector.Verify(c.engine, c.text, msg.Checksum(c.cfg.DocID)) == ot.Diverged {
		c.resyncLocked()
	}
	return nil
}

func (c *Client) reportDivergence(d ot.Divergence) {
	c.log.Diverged(d)
	if f := c.cfg.OnDiverged; f != nil {
		c.pending = append(c.pending, func() { f(d) })
	}
}

// resyncLocked asks the host for a fresh snapshot. Requires c.mu.
func (c *Client) resyncLocked() {
	c.log.Reset(c.cfg.DocID, c.site, "resync requested")
	if err := c.write(&common.Resync{Type: "Resync", Epoch: c.epoch}); err != nil {
		c.log.Error("send resync", err)
	}
}
