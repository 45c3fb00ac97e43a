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

// Package ingest turns fetched messages into stored chat state. Each
// message is processed in a single transaction: a failure leaves no partial
// state behind and the message is fetched again later.
package ingest

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	log "github.com/sirupsen/logrus"
	"github.com/vs49688/mailchat/events"
	"github.com/vs49688/mailchat/pgp"
)

func NewPipeline(cfg *Config) *Pipeline {
	p := &Pipeline{
		store:        cfg.Store,
		self:         cfg.Self,
		crypto:       cfg.Crypto,
		outbox:       cfg.Outbox,
		handshaker:   cfg.Handshaker,
		events:       cfg.Events,
		clock:        cfg.Clock,
		dedupHorizon: cfg.DedupHorizon,
		sendReceipts: cfg.SendReceipts,
		log:          cfg.Logger,
		incoming:     make(chan request, cfg.QueueSize),
		hasQuit:      make(chan struct{}),
		wantQuit:     make(chan struct{}),
		shutdown:     0,
	}

	if p.crypto == nil {
		p.crypto = &pgp.OpenPGP{}
	}
	if p.events == nil {
		p.events = events.Discard{}
	}
	if p.clock == nil {
		p.clock = clock.New()
	}
	if p.dedupHorizon <= 0 {
		p.dedupHorizon = DefaultDedupHorizon
	}
	if p.log == nil {
		p.log = log.NewEntry(log.StandardLogger())
	}

	p.ctx, p.cancel = context.WithCancel(context.Background())

	go p.run()
	return p
}

var (
	errInvalidUID     = errors.New("invalid uid")
	errPipelineClosed = errors.New("pipeline closed")
)

func (p *Pipeline) isShutdown() bool {
	return atomic.LoadInt32(&p.shutdown) != 0
}

// IngestMessage queues a message. The response is delivered on ch, which
// must have room for it or be read promptly.
func (p *Pipeline) IngestMessage(msg *RawMessage, ch chan<- Response) error {
	p.log.WithFields(log.Fields{"folder": msg.Folder, "uid": msg.UID}).Trace("ingest_message")
	if msg.UID == 0 {
		return errInvalidUID
	}

	if p.isShutdown() {
		return errPipelineClosed
	}

	select {
	case p.incoming <- request{raw: msg, ch: ch}:
		return nil
	case <-p.hasQuit:
		return errPipelineClosed
	}
}

func (p *Pipeline) IngestMessageSync(msg *RawMessage) (*Result, error) {
	ch := make(chan Response, 1)
	if err := p.IngestMessage(msg, ch); err != nil {
		return nil, err
	}

	res := <-ch
	return res.Result, res.Error
}

func (p *Pipeline) run() {
	for {
		select {
		case <-p.wantQuit:
			goto done
		case req := <-p.incoming:
			fields := log.Fields{"folder": req.raw.Folder, "uid": req.raw.UID}
			p.log.WithFields(fields).Trace("ingest_start")

			res, err := p.Ingest(p.ctx, req.raw)
			if err != nil {
				p.log.WithError(err).WithFields(fields).Error("ingest_failed")
			} else {
				p.log.WithFields(fields).WithFields(log.Fields{
					"msg_id":      res.MsgID,
					"chat":        res.ChatID,
					"duplicate":   res.Duplicate,
					"disposition": res.Disposition,
				}).Debug("ingest_success")
			}
			req.ch <- Response{Folder: req.raw.Folder, UID: req.raw.UID, Result: res, Error: err}
		}
	}
done:
	atomic.StoreInt32(&p.shutdown, 1)
	p.drain()
	close(p.hasQuit)
}

func (p *Pipeline) drain() {
	count := 0
	for {
		select {
		case req := <-p.incoming:
			req.ch <- Response{Folder: req.raw.Folder, UID: req.raw.UID, Error: errPipelineClosed}
			count++
		default:
			p.log.WithField("count", count).Trace("ingest_drained_requests")
			return
		}
	}
}

func (p *Pipeline) Close() error {
	p.closeOnce.Do(func() {
		close(p.wantQuit)
		p.cancel()
	})
	<-p.hasQuit
	return nil
}

func (p *Pipeline) Closed() <-chan struct{} {
	return p.hasQuit
}
