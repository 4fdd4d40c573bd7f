// Package config holds host settings. Values come from DefaultConfig, then
// .env files, then JUPITER_* environment variables, then command-line flags.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Addr  string `json:"addr"`  // listen address
	Store string `json:"store"` // store URL, see store.Open

	// Interval between saves of all open documents. Zero disables periodic
	// saves; documents are still saved when their last peer leaves.
	FlushInterval time.Duration `json:"flush_interval"`

	// mDNS advertisement
	Advertise bool   `json:"advertise"`
	Service   string `json:"service"`
}

func DefaultConfig() *Config {
	return &Config{
		Addr:          "localhost:4000",
		Store:         "memory:",
		FlushInterval: 30 * time.Second,
		Advertise:     false,
		Service:       "_jupiter._tcp",
	}
}

// Load returns DefaultConfig overridden by the environment. Missing files are
// skipped; variables already set in the environment win over files.
func Load(files ...string) (*Config, error) {
	for _, f := range files {
		if _, err := os.Stat(f); os.IsNotExist(err) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", f, err)
		}
	}
	c := DefaultConfig()
	if err := c.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("JUPITER_ADDR"); ok {
		c.Addr = v
	}
	if v, ok := lookup("JUPITER_STORE"); ok {
		c.Store = v
	}
	if v, ok := lookup("JUPITER_FLUSH_INTERVAL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: JUPITER_FLUSH_INTERVAL: %w", err)
		}
		c.FlushInterval = d
	}
	if v, ok := lookup("JUPITER_ADVERTISE"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: JUPITER_ADVERTISE: %w", err)
		}
		c.Advertise = b
	}
	if v, ok := lookup("JUPITER_SERVICE"); ok {
		c.Service = v
	}
	return nil
}
