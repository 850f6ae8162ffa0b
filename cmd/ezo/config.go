package main

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/vaughan0/go-ini"
)

// config is the optional INI configuration file:
//
//	db = ~/.local/share/ezo/ezo.db
//	profile = alice
//
//	[relay]
//	urls = wss://relay.example.org, ws://localhost:8787
type config struct {
	DB      string
	Profile string
	Relays  []string
}

func loadConfig(filename string) (*config, error) {
	cfg := &config{}
	path, err := homedir.Expand(filename)
	if err != nil {
		return nil, err
	}
	f, err := ini.LoadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	if db, ok := f.Get("", "db"); ok {
		if cfg.DB, err = expandLocation(db); err != nil {
			return nil, err
		}
	}
	cfg.Profile, _ = f.Get("", "profile")
	if urls, ok := f.Get("relay", "urls"); ok {
		for _, u := range strings.Split(urls, ",") {
			if u = strings.TrimSpace(u); u != "" {
				cfg.Relays = append(cfg.Relays, u)
			}
		}
	}
	return cfg, nil
}

// expandLocation expands ~ in a storage location, keeping its scheme.
func expandLocation(loc string) (string, error) {
	if rest, ok := strings.CutPrefix(loc, "dir:"); ok {
		p, err := homedir.Expand(rest)
		return "dir:" + p, err
	}
	if loc == "mem:" {
		return loc, nil
	}
	return homedir.Expand(loc)
}
