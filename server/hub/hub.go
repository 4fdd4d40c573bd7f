// Package hub is the host of a star of client sites. It serves any number of
// documents over websockets; each document has its own relay and replica.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/grandcat/zeroconf"

	"github.com/asadovsky/jupiter/server/common"
	"github.com/asadovsky/jupiter/server/logging"
	"github.com/asadovsky/jupiter/server/ot"
	"github.com/asadovsky/jupiter/server/relay"
	"github.com/asadovsky/jupiter/server/store"
)

const (
	bufSize     = 1024
	sendBufSize = 256
	storeTimeout = 10 * time.Second
)

func ok(err error, v ...interface{}) {
	if err != nil {
		panic(fmt.Sprintf("%v: %s", err, fmt.Sprint(v...)))
	}
}

func jsonMarshal(v interface{}) []byte {
	buf, err := json.Marshal(v)
	ok(err)
	return buf
}

type Options struct {
	Store     store.Store // defaults to an in-memory store
	Logger    *logging.Logger
	Transform ot.TransformFunc // defaults to ot.Transform

	// Interval between saves of all open documents; zero disables.
	FlushInterval time.Duration

	// If set, Serve advertises the host over mDNS under Service.
	Advertise bool
	Service   string
}

type Hub struct {
	opts     Options
	store    store.Store
	log      *logging.Logger
	router   *mux.Router
	upgrader websocket.Upgrader
	quit     chan struct{}
	wg       sync.WaitGroup // active connections and the flusher

	// Protects the fields below and document.refs. Never held across store
	// calls; acquired before document.mu.
	mu      sync.Mutex
	closed  bool
	docs    map[string]*document
	streams map[*stream]bool
}

// document is an open document. It stays open while it has peers.
type document struct {
	id       string
	relay    *relay.Relay
	text     *ot.Text
	detector *ot.Detector
	loaded   chan struct{} // closed once text is loaded
	loadErr  error
	refs     int // joined and joining peers

	saveMu sync.Mutex // serializes saves; acquired before mu

	mu      sync.Mutex // serializes relay, text and sends
	streams map[string]*stream
	dirty   bool // changed since last save
}

type stream struct {
	h    *Hub
	conn *websocket.Conn
	send chan []byte
	site string

	// Guarded by doc.mu once joined.
	doc   *document
	epoch int
}

func New(opts Options) *Hub {
	h := &Hub{
		opts:  opts,
		store: opts.Store,
		log:   opts.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  bufSize,
			WriteBufferSize: bufSize,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		quit:    make(chan struct{}),
		docs:    make(map[string]*document),
		streams: make(map[*stream]bool),
	}
	if h.store == nil {
		h.store = store.NewMemory()
	}
	if h.log == nil {
		h.log = logging.New("hub")
	}
	h.router = mux.NewRouter()
	h.router.HandleFunc("/ws/{doc}", h.handleConn).Methods(http.MethodGet)
	h.router.HandleFunc("/docs/{doc}", h.handleDoc).Methods(http.MethodGet)
	h.router.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
	if opts.FlushInterval > 0 {
		h.wg.Add(1)
		go h.flushLoop(opts.FlushInterval)
	}
	return h
}

func (h *Hub) Handler() http.Handler {
	return h.router
}

// Serve serves on l until ctx is done, then closes the hub.
func (h *Hub) Serve(ctx context.Context, l net.Listener) error {
	if h.opts.Advertise {
		port := l.Addr().(*net.TCPAddr).Port
		server, err := zeroconf.Register(fmt.Sprintf("jupiter-%d", port), h.opts.Service, "local.", port, []string{"txtv=0"}, nil)
		if err != nil {
			return fmt.Errorf("hub: advertise: %w", err)
		}
		defer server.Shutdown()
		h.log.Event("advertising service=%s port=%d", h.opts.Service, port)
	}
	srv := &http.Server{Handler: h.router}
	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve(l)
	}()
	h.log.Event("serving addr=%s", l.Addr())
	select {
	case err := <-errc:
		h.Close()
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	h.Close()
	return err
}

// Close disconnects all peers and saves all open documents. It does not close
// the store.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	close(h.quit)
	for s := range h.streams {
		s.conn.Close()
	}
	h.mu.Unlock()
	// Peers leaving save their documents.
	h.wg.Wait()
	h.Flush()
}

// Flush saves every open document that changed since its last save and
// closes the ones that no longer have peers.
func (h *Hub) Flush() {
	h.mu.Lock()
	docs := make([]*document, 0, len(h.docs))
	for _, d := range h.docs {
		docs = append(docs, d)
	}
	h.mu.Unlock()
	for _, d := range docs {
		h.save(d)
		h.closeIfIdle(d)
	}
}

func (h *Hub) flushLoop(interval time.Duration) {
	defer h.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.Flush()
		case <-h.quit:
			return
		}
	}
}

// save saves d if dirty.
func (h *Hub) save(d *document) {
	d.saveMu.Lock()
	defer d.saveMu.Unlock()
	d.mu.Lock()
	text, dirty := d.text.Value(), d.dirty
	d.dirty = false
	d.mu.Unlock()
	if !dirty {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := h.store.Save(ctx, d.id, text); err != nil {
		h.log.Error("save "+d.id, err)
		d.mu.Lock()
		d.dirty = true
		d.mu.Unlock()
		return
	}
	h.log.Event("saved doc=%s length=%d", d.id, len(text))
}

// closeIfIdle closes d if it has no peers and nothing left to save. A
// document whose save failed stays open for the next flush.
func (h *Hub) closeIfIdle(d *document) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if d.refs > 0 || h.docs[d.id] != d {
		return
	}
	d.mu.Lock()
	dirty := d.dirty
	d.mu.Unlock()
	if dirty {
		return
	}
	delete(h.docs, d.id)
	h.log.Event("closed doc=%s", d.id)
}

// open returns the document id with a reference held for the caller, loading
// it from the store if it is not open. Concurrent opens of the same document
// share one load.
func (h *Hub) open(ctx context.Context, id string) (*document, error) {
	h.mu.Lock()
	d, ok := h.docs[id]
	if !ok {
		d = &document{
			id:      id,
			relay:   relay.New(id, h.opts.Transform),
			text:    ot.NewText(""),
			loaded:  make(chan struct{}),
			streams: make(map[string]*stream),
		}
		d.detector = &ot.Detector{Report: h.log.Diverged}
		h.docs[id] = d
	}
	d.refs++
	h.mu.Unlock()
	if !ok {
		h.load(ctx, d)
	}
	<-d.loaded
	if d.loadErr != nil {
		return nil, d.loadErr
	}
	return d, nil
}

func (h *Hub) load(ctx context.Context, d *document) {
	defer close(d.loaded)
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	text, err := h.store.Load(ctx, d.id)
	if errors.Is(err, store.ErrNotFound) {
		text, err = "", nil
	}
	if err != nil {
		d.loadErr = err
		h.mu.Lock()
		if h.docs[d.id] == d {
			delete(h.docs, d.id)
		}
		h.mu.Unlock()
		return
	}
	d.mu.Lock()
	d.text.Reset(text)
	d.mu.Unlock()
	h.log.Event("opened doc=%s length=%d", d.id, len(text))
}

func (h *Hub) join(ctx context.Context, s *stream, docId string) error {
	d, err := h.open(ctx, docId)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	s.doc = d
	d.streams[s.site] = s
	d.relay.AddPeer(s.site)
	s.enqueue(&common.Snapshot{
		Type:   "Snapshot",
		DocId:  d.id,
		SiteId: s.site,
		Epoch:  s.epoch,
		Text:   d.text.Value(),
	})
	h.log.PeerJoin(d.id, s.site, len(d.streams))
	return nil
}

func (h *Hub) leave(s *stream) {
	d := s.doc
	d.mu.Lock()
	delete(d.streams, s.site)
	d.relay.RemovePeer(s.site)
	n := len(d.streams)
	d.mu.Unlock()
	h.log.PeerLeave(d.id, s.site, n)

	h.mu.Lock()
	d.refs--
	idle := d.refs == 0
	h.mu.Unlock()
	if idle {
		h.save(d)
		h.closeIfIdle(d)
	}
}

func (h *Hub) handleConn(w http.ResponseWriter, r *http.Request) {
	docId := mux.Vars(r)["doc"]
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	h.wg.Add(1)
	h.mu.Unlock()
	defer h.wg.Done()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("upgrade", err)
		return
	}
	s := &stream{h: h, conn: conn, send: make(chan []byte, sendBufSize), site: uuid.NewString()}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.streams[s] = true
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range s.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				conn.Close()
				// Drain so that senders never block.
				for range s.send {
				}
				return
			}
		}
	}()

	if err := s.readLoop(r.Context(), docId); err != nil {
		h.log.Error("read "+s.site, err)
	}
	if s.doc != nil {
		h.leave(s)
	}
	h.mu.Lock()
	delete(h.streams, s)
	h.mu.Unlock()
	close(s.send)
	<-done
	conn.Close()
}

func (s *stream) readLoop(ctx context.Context, docId string) error {
	for {
		_, buf, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			select {
			case <-s.h.quit:
				return nil
			default:
			}
			return err
		}
		// TODO: Avoid decoding multiple times.
		var mt common.MsgType
		if err := json.Unmarshal(buf, &mt); err != nil {
			s.sendError(err)
			continue
		}
		if mt.Type != "Init" && s.doc == nil {
			s.sendError(fmt.Errorf("%s before Init", mt.Type))
			continue
		}
		switch mt.Type {
		case "Init":
			var msg common.Init
			if err := json.Unmarshal(buf, &msg); err != nil {
				s.sendError(err)
				continue
			}
			s.processInitMsg(ctx, docId, &msg)
		case "Update":
			var msg common.Update
			if err := json.Unmarshal(buf, &msg); err != nil {
				s.sendError(err)
				continue
			}
			s.processUpdateMsg(&msg)
		case "Checksum":
			var msg common.Checksum
			if err := json.Unmarshal(buf, &msg); err != nil {
				s.sendError(err)
				continue
			}
			s.processChecksumMsg(&msg)
		case "Resync":
			var msg common.Resync
			if err := json.Unmarshal(buf, &msg); err != nil {
				s.sendError(err)
				continue
			}
			s.processResyncMsg(&msg)
		default:
			s.sendError(fmt.Errorf("unknown message type: %s", mt.Type))
		}
	}
}

func (s *stream) processInitMsg(ctx context.Context, docId string, msg *common.Init) {
	if s.doc != nil {
		s.sendError(errors.New("already initialized"))
		return
	}
	if msg.DocId != "" && msg.DocId != docId {
		s.sendError(fmt.Errorf("init for %q on connection for %q", msg.DocId, docId))
		return
	}
	if err := s.h.join(ctx, s, docId); err != nil {
		s.h.log.Error("join "+docId, err)
		s.sendError(err)
	}
}

func (s *stream) processUpdateMsg(msg *common.Update) {
	d := s.doc
	d.mu.Lock()
	defer d.mu.Unlock()
	if msg.Epoch != s.epoch {
		// Sent before the client saw its latest Snapshot.
		return
	}
	m, err := msg.Stamped()
	if err != nil {
		s.h.log.Error("decode update from "+s.site, err)
		s.resetLocked(err.Error())
		return
	}
	canonical, err := d.relay.Integrate(s.site, m.Op, m.Timestamp)
	if err != nil {
		s.h.log.Error("integrate", err)
		s.resetLocked(err.Error())
		return
	}
	if err := d.text.Apply(canonical); err != nil {
		s.h.log.Error("apply "+canonical.String(), err)
		s.resetLocked(err.Error())
		return
	}
	d.dirty = true
	out := d.relay.Forward(canonical, s.site)
	for site, stamped := range out {
		peer := d.streams[site]
		u := common.NewUpdate(peer.epoch, stamped)
		u.SiteId = s.site
		peer.enqueue(u)
	}
	s.h.log.Relay(d.id, s.site, m.Timestamp, canonical, len(out))
}

func (s *stream) processChecksumMsg(msg *common.Checksum) {
	d := s.doc
	d.mu.Lock()
	defer d.mu.Unlock()
	if msg.Epoch != s.epoch {
		return
	}
	c := msg.Checksum(d.id)
	c.Site = s.site
	res, err := d.relay.Verify(d.detector, d.text, c)
	if err != nil {
		s.h.log.Error("verify", err)
		return
	}
	s.h.log.Checksum(c, res)
	switch res {
	case ot.Diverged:
		s.resetLocked("checksum mismatch")
	case ot.Consistent:
		out, err := d.relay.RelayChecksum(c)
		if err != nil {
			s.h.log.Error("relay checksum", err)
			return
		}
		for site, rc := range out {
			peer := d.streams[site]
			peer.enqueue(common.NewChecksum(peer.epoch, rc))
		}
	}
}

func (s *stream) processResyncMsg(msg *common.Resync) {
	d := s.doc
	d.mu.Lock()
	defer d.mu.Unlock()
	if msg.Epoch != s.epoch {
		// Already reset since.
		return
	}
	s.resetLocked("requested by peer")
}

// resetLocked discards the link to s and sends a fresh Snapshot. Requires
// doc.mu.
func (s *stream) resetLocked(reason string) {
	d := s.doc
	d.relay.ResetPeer(s.site)
	s.epoch++
	s.enqueue(&common.Snapshot{
		Type:   "Snapshot",
		DocId:  d.id,
		SiteId: s.site,
		Epoch:  s.epoch,
		Text:   d.text.Value(),
	})
	s.h.log.Reset(d.id, s.site, reason)
}

// enqueue queues v for sending. A peer that cannot keep up is disconnected.
func (s *stream) enqueue(v interface{}) {
	select {
	case s.send <- jsonMarshal(v):
	default:
		s.h.log.Error("send to "+s.site, errors.New("send queue full"))
		s.conn.Close()
	}
}

func (s *stream) sendError(err error) {
	s.enqueue(&common.Error{Type: "Error", Message: err.Error()})
}

type docInfo struct {
	DocId string
	Text  string
	Peers []string
}

func (h *Hub) handleDoc(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["doc"]
	info := docInfo{DocId: id, Peers: []string{}}
	h.mu.Lock()
	d, open := h.docs[id]
	h.mu.Unlock()
	if open {
		<-d.loaded
		open = d.loadErr == nil
	}
	if open {
		d.mu.Lock()
		info.Text = d.text.Value()
		info.Peers = d.relay.Peers()
		d.mu.Unlock()
	} else {
		text, err := h.store.Load(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		} else if err != nil {
			h.log.Error("load "+id, err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		info.Text = text
	}
	writeJSON(w, info)
}

func (h *Hub) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	docs := make([]string, 0, len(h.docs))
	for id := range h.docs {
		docs = append(docs, id)
	}
	peers := len(h.streams)
	h.mu.Unlock()
	sort.Strings(docs)
	writeJSON(w, map[string]interface{}{"Status": "ok", "Docs": docs, "Peers": peers})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Write(jsonMarshal(v))
}
