package database

import (
	"context"
	"database/sql"
	"errors"
	"sync"
)

// Pool shares one *sql.DB per distinct driver/DSN pair. Effective configs for
// different contexts may name different databases; requests resolving the same
// descriptor reuse the same handle.
type Pool struct {
	mu    sync.Mutex
	conns map[string]*sql.DB
}

func NewPool() *Pool {
	return &Pool{conns: make(map[string]*sql.DB)}
}

func (p *Pool) Get(ctx context.Context, cfg Config) (*sql.DB, error) {
	key := cfg.Driver + "|" + cfg.DSN

	p.mu.Lock()
	defer p.mu.Unlock()

	if db, ok := p.conns[key]; ok {
		return db, nil
	}
	db, err := Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	p.conns[key] = db
	return db, nil
}

func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for key, db := range p.conns {
		if err := db.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(p.conns, key)
	}
	return errors.Join(errs...)
}
