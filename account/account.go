/*
 * MailChat - Copyright (C) 2022 Zane van Iperen.
 *    Contact: zane@zanevaniperen.com
 *
 * This program is free software; you can redistribute it and/or modify
 * it under the terms of the GNU General Public License version 2, and only
 * version 2 as published by the Free Software Foundation.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program; if not, write to the Free Software
 * Foundation, Inc., 59 Temple Place, Suite 330, Boston, MA  02111-1307  USA
 */

// Package account ties the store, pipeline, protocol engine and scheduler of
// one chat identity together and exposes the application-facing API.
package account

import (
	"context"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/vs49688/mailchat/events"
	"github.com/vs49688/mailchat/ingest"
	"github.com/vs49688/mailchat/jobs"
	"github.com/vs49688/mailchat/outbox"
	"github.com/vs49688/mailchat/pgp"
	"github.com/vs49688/mailchat/scheduler"
	"github.com/vs49688/mailchat/securejoin"
	"github.com/vs49688/mailchat/store"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"
)

var (
	ErrClosed    = errors.New("account closed")
	ErrNoAddress = errors.New("no address configured")
)

// Open opens (or creates) the account database and wires every component.
// Nothing touches the network until Start.
func Open(ctx context.Context, cfg *Config) (*Account, error) {
	if cfg.Addr == "" {
		return nil, ErrNoAddress
	}

	c := *cfg
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = log.NewEntry(log.StandardLogger())
	}
	if len(c.Folders) == 0 {
		c.Folders = []string{DefaultFolder}
	}
	if c.ConnectRate == 0 {
		c.ConnectRate = DefaultConnectRate
	}
	if c.ConnectBurst <= 0 {
		c.ConnectBurst = DefaultConnectBurst
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 64
	}

	if c.Limiter == nil {
		c.Limiter = rate.NewLimiter(c.ConnectRate, c.ConnectBurst)
	}

	logger := c.Logger.WithField("account", c.Addr)

	st, err := store.Open(&store.Config{Path: c.DBPath, Logger: logger})
	if err != nil {
		return nil, err
	}

	key, err := loadOrCreateKey(ctx, st, &c)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	a := &Account{
		cfg:     c,
		self:    outbox.Identity{Addr: c.Addr, Name: c.Name, Key: key},
		store:   st,
		bus:     events.NewBus(logger),
		limiter: c.Limiter,
		log:     logger,
	}

	a.queue = jobs.NewQueue(&jobs.Config{
		Store:  st,
		Clock:  c.Clock,
		Policy: c.RetryPolicy,
		Events: a.bus,
		Logger: logger,
	})

	a.outbox = outbox.New(&outbox.Config{
		Self:   a.self,
		Queue:  a.queue,
		Clock:  c.Clock,
		Logger: logger,
	})

	a.engine = securejoin.New(&securejoin.Config{
		Store:            st,
		Outbox:           a.outbox,
		Events:           a.bus,
		Clock:            c.Clock,
		HandshakeTimeout: c.HandshakeTimeout,
		InviteLifetime:   c.InviteLifetime,
		Logger:           logger,
	})
	a.queue.AddObserver(a.engine)

	a.pipeline = ingest.NewPipeline(&ingest.Config{
		Store:        st,
		Self:         a.self,
		Outbox:       a.outbox,
		Handshaker:   a.engine,
		Events:       a.bus,
		Clock:        c.Clock,
		DedupHorizon: c.DedupHorizon,
		SendReceipts: c.SendReceipts,
		Logger:       logger,
	})

	logger.WithField("fingerprint", key.Fingerprint()).Info("account_opened")
	return a, nil
}

func loadOrCreateKey(ctx context.Context, st *store.Store, cfg *Config) (*pgp.Key, error) {
	var data []byte
	err := st.Transact(ctx, func(tx *store.Tx) error {
		if err := tx.EnsureSelf(cfg.Addr, cfg.Clock.Now()); err != nil {
			return err
		}

		var err error
		data, err = tx.GetConfig(selfKeyConfig)
		return err
	})
	if err != nil {
		return nil, err
	}

	if data != nil {
		return pgp.ParseKey(data)
	}

	key, err := pgp.GenerateKey(cfg.Addr, cfg.KeyBits)
	if err != nil {
		return nil, err
	}

	data, err = key.PrivateBytes()
	if err != nil {
		return nil, err
	}

	err = st.Transact(ctx, func(tx *store.Tx) error {
		return tx.SetConfig(selfKeyConfig, data)
	})
	if err != nil {
		return nil, err
	}

	cfg.Logger.WithField("fingerprint", key.Fingerprint()).Info("account_key_generated")
	return key, nil
}

func (a *Account) Self() outbox.Identity {
	return a.self
}

// Start connects to the server and begins watching folders and sending.
// Calling it on a running account does nothing.
func (a *Account) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	} else if a.scheduler != nil {
		return nil
	}

	a.scheduler = scheduler.New(&scheduler.Config{
		Connection:           a.cfg.IMAP,
		Factory:              a.cfg.IMAPFactory,
		Cursor:               a.store,
		Pipeline:             a.pipeline,
		Queue:                a.queue,
		Transport:            a.cfg.Transport,
		Housekeeper:          a.pipeline,
		Sessions:             a.engine,
		Limiter:              a.limiter,
		Events:               a.bus,
		Clock:                a.cfg.Clock,
		IDLEFallbackInterval: a.cfg.IDLEFallbackInterval,
		FetchMaxInterval:     a.cfg.FetchMaxInterval,
		BatchSize:            a.cfg.BatchSize,
		DisableDeletions:     a.cfg.DisableDeletions,
		MaxReconnectDelay:    a.cfg.MaxReconnectDelay,
		HousekeepingInterval: a.cfg.HousekeepingInterval,
		Logger:               a.log,
	})

	for _, f := range a.cfg.Folders {
		a.scheduler.Start(scheduler.FolderSpec{Name: f, WindowSize: a.cfg.WindowSize})
	}

	a.log.WithField("folders", a.cfg.Folders).Info("account_started")
	return nil
}

// Stop disconnects. Queued work is kept and resumed by the next Start.
func (a *Account) Stop() {
	a.mu.Lock()
	s := a.scheduler
	a.scheduler = nil
	a.mu.Unlock()

	if s != nil {
		s.Stop()
		a.log.Info("account_stopped")
	}
}

// Close stops the account and releases the database.
func (a *Account) Close() error {
	a.Stop()

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	var err error
	err = multierr.Append(err, a.pipeline.Close())
	err = multierr.Append(err, a.store.Close())
	return err
}

// Subscribe returns a channel of events. buffer <= 0 uses the configured
// default. Events are dropped, not queued, when the reader falls behind.
func (a *Account) Subscribe(buffer int) (<-chan events.Event, func()) {
	if buffer <= 0 {
		buffer = a.cfg.EventBuffer
	}
	return a.bus.Subscribe(buffer)
}
