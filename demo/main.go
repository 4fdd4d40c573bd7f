package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/asadovsky/jupiter/client"
	"github.com/asadovsky/jupiter/server/hub"
	"github.com/asadovsky/jupiter/server/logging"
	"github.com/asadovsky/jupiter/server/ot"
)

var (
	port    = flag.Int("port", 0, "")
	edits   = flag.Int("edits", 50, "edits per site")
	verbose = flag.Bool("v", false, "log host and client events")
)

func ok(err error) {
	if err != nil {
		log.Fatal(err)
	}
}

func logger(component string) *logging.Logger {
	if *verbose {
		return logging.New(component)
	}
	return logging.Discard()
}

// edit performs n random edits on c, retrying edits invalidated by
// concurrent remote changes.
func edit(c *client.Client, rng *rand.Rand, n int) error {
	for n > 0 {
		s := c.Text()
		var err error
		if len(s) < 4 || rng.Intn(3) > 0 {
			err = c.Insert(rng.Intn(len(s)+1), string(rune('a'+rng.Intn(26))))
		} else {
			err = c.Delete(rng.Intn(len(s)-1), 1+rng.Intn(2))
		}
		if err != nil && !errors.Is(err, ot.ErrInvalidOp) {
			return err
		}
		if err == nil {
			n--
		}
		time.Sleep(time.Duration(rng.Intn(3)) * time.Millisecond)
	}
	return nil
}

// hostText fetches the host replica.
func hostText(addr string) string {
	res, err := http.Get(fmt.Sprintf("http://%s/docs/demo", addr))
	ok(err)
	defer res.Body.Close()
	var doc struct{ Text string }
	ok(json.NewDecoder(res.Body).Decode(&doc))
	return doc.Text
}

func main() {
	flag.Parse()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l, err := net.Listen("tcp", fmt.Sprintf("localhost:%d", *port))
	ok(err)
	h := hub.New(hub.Options{Logger: logger("hub")})
	served := make(chan error, 1)
	go func() {
		served <- h.Serve(ctx, l)
	}()
	url := fmt.Sprintf("ws://%s", l.Addr())

	var sites []*client.Client
	for _, name := range []string{"alice", "bob"} {
		c, err := client.Dial(ctx, client.Config{
			URL:              url,
			DocID:            "demo",
			ChecksumInterval: 50 * time.Millisecond,
			MaxElapsed:       5 * time.Second,
			Logger:           logger(name),
			OnDiverged: func(d ot.Divergence) {
				log.Printf("%v", d)
			},
		})
		ok(err)
		sites = append(sites, c)
	}

	var wg sync.WaitGroup
	for i, c := range sites {
		wg.Add(1)
		go func(c *client.Client, seed int64) {
			defer wg.Done()
			ok(edit(c, rand.New(rand.NewSource(seed)), *edits))
		}(c, time.Now().UnixNano()+int64(i))
	}
	wg.Wait()

	// Wait for quiescence.
	deadline := time.Now().Add(10 * time.Second)
	for {
		text := hostText(l.Addr().String())
		if sites[0].Text() == text && sites[1].Text() == text {
			fmt.Printf("%-36s %q\n", "host", text)
			break
		}
		if time.Now().After(deadline) {
			log.Fatal("sites did not converge")
		}
		time.Sleep(10 * time.Millisecond)
	}
	for _, c := range sites {
		ok(c.SendChecksum())
		d := ot.DigestOf(c.Text())
		fmt.Printf("%-36s %q length=%d hash=%x\n", c.Site(), c.Text(), d.Length, uint64(d.Hash))
	}
	// Give the host time to check the checksums.
	time.Sleep(100 * time.Millisecond)
	for _, c := range sites {
		ok(c.Close())
	}
	cancel()
	ok(<-served)
}
