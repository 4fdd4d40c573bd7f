package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"runtime/debug"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/asadovsky/jupiter/client"
	"github.com/asadovsky/jupiter/server/common"
	"github.com/asadovsky/jupiter/server/logging"
	"github.com/asadovsky/jupiter/server/ot"
)

func fatal(t *testing.T, v ...interface{}) {
	debug.PrintStack()
	t.Fatal(v...)
}

func fatalf(t *testing.T, format string, v ...interface{}) {
	debug.PrintStack()
	t.Fatalf(format, v...)
}

func ok(t *testing.T, err error) {
	if err != nil {
		fatal(t, err)
	}
}

func eq(t *testing.T, got, want interface{}) {
	if !reflect.DeepEqual(got, want) {
		fatalf(t, "got %v, want %v", got, want)
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			fatalf(t, "timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// host is a scripted stand-in for the hub. Each accepted connection is handed
// to the test through conns.
type host struct {
	t     *testing.T
	srv   *httptest.Server
	conns chan *websocket.Conn
	done  chan struct{}
}

func newHost(t *testing.T) *host {
	h := &host{t: t, conns: make(chan *websocket.Conn, 1), done: make(chan struct{})}
	upgrader := websocket.Upgrader{}
	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws/notes" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.conns <- conn
		<-h.done
		conn.Close()
	}))
	t.Cleanup(func() {
		close(h.done)
		h.srv.Close()
	})
	return h
}

func (h *host) url() string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http")
}

func send(t *testing.T, conn *websocket.Conn, v interface{}) {
	ok(t, conn.WriteJSON(v))
}

func recv(t *testing.T, conn *websocket.Conn, want string, v interface{}) {
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, buf, err := conn.ReadMessage()
	ok(t, err)
	var mt common.MsgType
	ok(t, json.Unmarshal(buf, &mt))
	if mt.Type != want {
		fatalf(t, "got %s, want %s: %s", mt.Type, want, buf)
	}
	ok(t, json.Unmarshal(buf, v))
}

// dial connects a client to h and plays the host side of the handshake.
func dial(t *testing.T, h *host, text string, cfg client.Config) (*client.Client, *websocket.Conn) {
	cfg.URL = h.url()
	cfg.DocID = "notes"
	cfg.Logger = logging.Discard()
	type result struct {
		c   *client.Client
		err error
	}
	res := make(chan result, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c, err := client.Dial(ctx, cfg)
		res <- result{c, err}
	}()
	conn := <-h.conns
	var init common.Init
	recv(t, conn, "Init", &init)
	eq(t, init.DocId, "notes")
	send(t, conn, &common.Snapshot{Type: "Snapshot", DocId: "notes", SiteId: "s1", Text: text})
	r := <-res
	ok(t, r.err)
	t.Cleanup(func() { r.c.Close() })
	return r.c, conn
}

func TestDialAndEdit(t *testing.T) {
	h := newHost(t)
	var edits []ot.TextEdit
	var mu sync.Mutex
	c, conn := dial(t, h, "abc", client.Config{OnEdits: func(es []ot.TextEdit) {
		mu.Lock()
		edits = append(edits, es...)
		mu.Unlock()
	}})
	eq(t, c.Site(), "s1")
	eq(t, c.Text(), "abc")

	ok(t, c.Insert(3, "d"))
	eq(t, c.Text(), "abcd")
	var u common.Update
	recv(t, conn, "Update", &u)
	eq(t, u.OpStrs, []string{"i,3,d"})
	eq(t, [2]int{u.Local, u.Remote}, [2]int{0, 0})
	eq(t, c.Pending(), 1)

	// The host inserted concurrently and has since seen our insert.
	send(t, conn, &common.Update{Type: "Update", SiteId: "s2", Local: 0, Remote: 1, OpStrs: []string{"i,0,x"}})
	eventually(t, "remote insert", func() bool { return c.Text() == "xabcd" })
	eq(t, c.Pending(), 0)
	eq(t, c.Timestamp(), ot.Timestamp{Local: 1, Remote: 1})
	mu.Lock()
	eq(t, edits, []ot.TextEdit{{Doc: "notes", Site: "s2", Pos: 0, Text: "x"}})
	mu.Unlock()

	ok(t, c.Delete(1, 2))
	recv(t, conn, "Update", &u)
	eq(t, u.OpStrs, []string{"d,1,ab"})
	eq(t, [2]int{u.Local, u.Remote}, [2]int{1, 1})

	ok(t, c.SendChecksum())
	var ck common.Checksum
	recv(t, conn, "Checksum", &ck)
	eq(t, ck.Checksum("notes"), ot.Checksum{
		Doc:       "notes",
		Site:      "s1",
		Timestamp: ot.Timestamp{Local: 2, Remote: 1},
		Digest:    ot.DigestOf("xcd"),
	})
}

func TestInvalidEdits(t *testing.T) {
	h := newHost(t)
	c, _ := dial(t, h, "abc", client.Config{})
	for _, err := range []error{
		c.Insert(4, "x"),
		c.Insert(-1, "x"),
		c.Delete(2, 2),
		c.Delete(-1, 1),
		c.Do(&ot.Delete{Pos: 0, Value: "b"}),
	} {
		if !errors.Is(err, ot.ErrInvalidOp) {
			fatalf(t, "got %v, want ErrInvalidOp", err)
		}
	}
	eq(t, c.Text(), "abc")
	eq(t, c.Pending(), 0)
}

func TestDivergedChecksumResyncs(t *testing.T) {
	h := newHost(t)
	var diverged []ot.Divergence
	var mu sync.Mutex
	c, conn := dial(t, h, "abc", client.Config{OnDiverged: func(d ot.Divergence) {
		mu.Lock()
		diverged = append(diverged, d)
		mu.Unlock()
	}})

	// Another site's checksum, relayed by the host, agrees with ours.
	send(t, conn, common.NewChecksum(0, ot.Checksum{Site: "s2", Digest: ot.DigestOf("abc")}))
	// A checksum the client cannot place yet is ignored.
	send(t, conn, common.NewChecksum(0, ot.Checksum{Site: "s2", Timestamp: ot.Timestamp{Local: 1}, Digest: ot.DigestOf("zzz")}))
	// This one does not agree.
	send(t, conn, common.NewChecksum(0, ot.Checksum{Site: "s2", Digest: ot.DigestOf("xyz")}))

	var rs common.Resync
	recv(t, conn, "Resync", &rs)
	eq(t, rs.Epoch, 0)
	eventually(t, "divergence callback", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(diverged) == 1
	})
	mu.Lock()
	eq(t, diverged[0].Site, "s2")
	eq(t, diverged[0].Local, ot.DigestOf("abc"))
	mu.Unlock()

	send(t, conn, &common.Snapshot{Type: "Snapshot", DocId: "notes", SiteId: "s1", Epoch: 1, Text: "xyz"})
	eventually(t, "snapshot", func() bool { return c.Text() == "xyz" })
	// Updates still in flight from before the reset are dropped.
	send(t, conn, &common.Update{Type: "Update", Epoch: 0, OpStrs: []string{"i,0,old"}})
	send(t, conn, &common.Update{Type: "Update", Epoch: 1, OpStrs: []string{"i,3,!"}})
	eventually(t, "update", func() bool { return c.Text() == "xyz!" })

	ok(t, c.Insert(0, ">"))
	var u common.Update
	recv(t, conn, "Update", &u)
	eq(t, u.Epoch, 1)
	eq(t, [2]int{u.Local, u.Remote}, [2]int{0, 1})
}

func TestOutOfOrderUpdateResyncs(t *testing.T) {
	h := newHost(t)
	_, conn := dial(t, h, "abc", client.Config{})
	send(t, conn, &common.Update{Type: "Update", Local: 3, OpStrs: []string{"i,0,x"}})
	var rs common.Resync
	recv(t, conn, "Resync", &rs)
	send(t, conn, &common.Update{Type: "Update", Epoch: 0, OpStrs: []string{"d,0,zzz"}})
	recv(t, conn, "Resync", &rs)
}

func TestDialGivesUp(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()
	_, err := client.Dial(context.Background(), client.Config{
		URL:        url,
		DocID:      "notes",
		MaxElapsed: 200 * time.Millisecond,
		Logger:     logging.Discard(),
	})
	if err == nil {
		fatal(t, "expected error")
	}
}
