package server

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/danmuck/nettables/internal/config"
	"github.com/rs/zerolog"
)

const DefaultPersistInterval = time.Second

// persister writes the table's persistent entries to disk at most once per
// interval, and only after a change.
type persister struct {
	path     string
	interval time.Duration
	table    *Table
	logger   zerolog.Logger
	dirty    atomic.Bool
}

func (p *persister) markDirty() {
	p.dirty.Store(true)
}

// load seeds the table from disk and returns how many entries it added.
func (p *persister) load() (int, error) {
	entries, err := config.LoadEntriesFile(p.path)
	if err != nil {
		return 0, err
	}
	msgs, err := config.EntryMessages(entries)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, msg := range msgs {
		if _, err := p.table.Apply(msg); err != nil {
			p.logger.Warn().Err(err).Str("name", msg.Name).Msg("persisted entry skipped")
			continue
		}
		n++
	}
	return n, nil
}

func (p *persister) flush() error {
	if !p.dirty.Swap(false) {
		return nil
	}
	if err := config.SaveEntriesFile(p.path, p.table.Persistent()); err != nil {
		p.dirty.Store(true)
		return err
	}
	return nil
}

func (p *persister) run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return p.flush()
		case <-ticker.C:
			if err := p.flush(); err != nil {
				p.logger.Error().Err(err).Str("path", p.path).Msg("persist failed")
			}
		}
	}
}
