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

package persistentclient

import (
	"errors"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	goImapClient "github.com/emersion/go-imap/client"
	log "github.com/sirupsen/logrus"
	"github.com/vs49688/mailchat/imap"
	"github.com/vs49688/mailchat/imap/client"
)

var errConnectionClosed = errors.New("connection closed")

func (c *PersistentIMAPClient) isShutdown() bool {
	return atomic.LoadInt32(&c.shutdown) != 0
}

// submit hands a request to the connection goroutine. It returns false once
// the client has logged out.
func (c *PersistentIMAPClient) submit(req interface{}) bool {
	select {
	case c.ch <- req:
		return true
	case <-c.loggedOut:
		return false
	}
}

func (c *PersistentIMAPClient) Idle(stop <-chan struct{}, opts *goImapClient.IdleOptions) error {
	shutdown := c.isShutdown()
	c.log().WithField("shutdown", shutdown).Trace("pimap_idle_invoked")
	if shutdown {
		return errConnectionClosed
	}

	r := make(chan error, 1)
	if !c.submit(idleRequest{r: r, stop: stop, opts: opts}) {
		return errConnectionClosed
	}
	return <-r
}

func (c *PersistentIMAPClient) Select(name string, readOnly bool) (*imap.MailboxStatus, error) {
	shutdown := c.isShutdown()
	c.log().WithField("shutdown", shutdown).Trace("pimap_select_invoked")
	if shutdown {
		return nil, errConnectionClosed
	}

	r := make(chan selectResponse, 1)
	if !c.submit(selectRequest{r: r, name: name, readOnly: readOnly}) {
		return nil, errConnectionClosed
	}
	sr := <-r
	return sr.status, sr.err
}

func (c *PersistentIMAPClient) UidSearch(criteria *imap.SearchCriteria) ([]uint32, error) {
	shutdown := c.isShutdown()
	c.log().WithField("shutdown", shutdown).Trace("pimap_uidsearch_invoked")
	if shutdown {
		return nil, errConnectionClosed
	}

	r := make(chan uidSearchResponse, 1)
	if !c.submit(uidSearchRequest{r: r, criteria: criteria}) {
		return nil, errConnectionClosed
	}
	sr := <-r
	return sr.uids, sr.err
}

func (c *PersistentIMAPClient) UidFetch(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error {
	shutdown := c.isShutdown()
	c.log().WithField("shutdown", shutdown).Trace("pimap_uidfetch_invoked")
	if shutdown {
		close(ch)
		return errConnectionClosed
	}

	r := make(chan error, 1)
	if !c.submit(uidFetchRequest{r: r, seqset: seqset, items: items, ch: ch}) {
		close(ch)
		return errConnectionClosed
	}
	return <-r
}

func (c *PersistentIMAPClient) Expunge(ch chan uint32) error {
	shutdown := c.isShutdown()
	c.log().WithField("shutdown", shutdown).Trace("pimap_expunge_invoked")
	if shutdown {
		closeIfSet(ch)
		return errConnectionClosed
	}

	r := make(chan error, 1)
	if !c.submit(expungeRequest{r: r, ch: ch}) {
		closeIfSet(ch)
		return errConnectionClosed
	}
	return <-r
}

func (c *PersistentIMAPClient) UidStore(seqset *imap.SeqSet, item imap.StoreItem, value interface{}, ch chan *imap.Message) error {
	shutdown := c.isShutdown()
	c.log().WithField("shutdown", shutdown).Trace("pimap_uidstore_invoked")
	if shutdown {
		closeIfSet(ch)
		return errConnectionClosed
	}

	r := make(chan error, 1)
	if !c.submit(uidStoreRequest{r: r, seqset: seqset, item: item, value: value, ch: ch}) {
		closeIfSet(ch)
		return errConnectionClosed
	}
	return <-r
}

func (c *PersistentIMAPClient) Mailbox() *imap.MailboxStatus {
	shutdown := c.isShutdown()
	c.log().WithField("shutdown", shutdown).Trace("pimap_mailbox_invoked")
	if shutdown {
		return nil
	}

	r := make(chan *imap.MailboxStatus, 1)
	if !c.submit(mailboxRequest{r: r}) {
		return nil
	}
	return <-r
}

func (c *PersistentIMAPClient) Logout() error {
	shutdown := c.isShutdown()
	c.log().WithField("shutdown", shutdown).Trace("pimap_logout_invoked")
	if shutdown {
		return nil
	}

	r := make(chan error, 1)
	select {
	case c.logoutChannel <- logoutRequest{r: r}:
		return <-r
	case <-c.loggedOut:
		return nil
	}
}

func (c *PersistentIMAPClient) LoggedOut() <-chan struct{} {
	return c.loggedOut
}

func (c *PersistentIMAPClient) FlagQuit() {
	shutdown := c.isShutdown()
	c.log().WithField("shutdown", shutdown).Trace("pimap_flagquit_invoked")
	if shutdown {
		return
	}

	go c.Logout()
}

func (c *PersistentIMAPClient) log() *log.Entry {
	return c.logger.WithField("url", c.logURL)
}

func closeIfSet[T any](ch chan T) {
	if ch != nil {
		close(ch)
	}
}

func (c *PersistentIMAPClient) notify(state ClientState, err error) {
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(state, err)
	}
}

func (c *PersistentIMAPClient) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialDelay
	b.MaxInterval = c.cfg.MaxDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// connectDelay is the wait before the next attempt: the backoff delay or the
// rate limiter's, whichever is longer.
func (c *PersistentIMAPClient) connectDelay(nextDelay time.Duration) time.Duration {
	if c.cfg.Limiter == nil {
		return nextDelay
	}

	if d := c.cfg.Limiter.Reserve().Delay(); d > nextDelay {
		return d
	}
	return nextDelay
}

func (c *PersistentIMAPClient) run() {
	var nextDelay time.Duration = 0
	b := c.newBackOff()
	state := ClientStateDisconnected
	for {
		c.log().WithField("state", state).Trace("pimap_loop_enter")
		if state == ClientStateDisconnected {
			select {
			case req := <-c.logoutChannel:
				c.log().Trace("pimap_logout_request")
				req.r <- nil
				goto done
			case <-time.After(c.connectDelay(nextDelay)):
				break
			}

			state = ClientStateConnecting
			c.notify(state, nil)

			cli, err := c.cfg.Inner.NewClient(&c.cfg.ClientConfig)
			if err != nil {
				nextDelay = b.NextBackOff()
				state = ClientStateDisconnected

				c.log().WithError(err).WithFields(log.Fields{
					"new_delay": nextDelay,
				}).Error("pimap_connection_failed")
				c.notify(state, err)
				continue
			}

			c.c = cli
			state = ClientStateConnected
			b.Reset()
			nextDelay = 0
			c.log().Info("pimap_connected")
			c.notify(state, nil)
		}

		if state == ClientStateConnected {
			c.log().WithField("state", state).Trace("pimap_entering_connected_select")
			select {
			case <-c.c.LoggedOut():
				c.log().Warn("pimap_disconnected")
				c.c = nil
				state = ClientStateDisconnected
				nextDelay = b.NextBackOff()
				c.notify(state, errConnectionClosed)
			case req := <-c.logoutChannel:
				c.log().Trace("pimap_logout_request")
				req.r <- c.c.Logout()
				c.notify(ClientStateDisconnected, nil)
				goto done
			case _req := <-c.ch:
				c.serve(_req)
			}
		}
	}
done:
	c.c = nil
	atomic.StoreInt32(&c.shutdown, 1)
	count := drainRequests(c.ch)
	c.log().WithField("count", count).Trace("pimap_drained_requests")
	close(c.loggedOut)
	c.log().Trace("pimap_proc_exit")
}

func (c *PersistentIMAPClient) serve(_req interface{}) {
	switch req := _req.(type) {
	case idleRequest:
		c.log().Trace("pimap_idle_request")
		req.r <- c.c.Idle(req.stop, req.opts)
		c.log().Trace("pimap_idle_request_after")
	case selectRequest:
		c.log().Trace("pimap_select_request")
		s, err := c.c.Select(req.name, req.readOnly)
		req.r <- selectResponse{status: s, err: err}
	case uidSearchRequest:
		c.log().Trace("pimap_uidsearch_request")
		uids, err := c.c.UidSearch(req.criteria)
		req.r <- uidSearchResponse{uids: uids, err: err}
	case uidFetchRequest:
		c.log().Trace("pimap_uidfetch_request")
		req.r <- c.c.UidFetch(req.seqset, req.items, req.ch)
	case expungeRequest:
		c.log().Trace("pimap_expunge_request")
		req.r <- c.c.Expunge(req.ch)
	case uidStoreRequest:
		c.log().Trace("pimap_uidstore_request")
		req.r <- c.c.UidStore(req.seqset, req.item, req.value, req.ch)
	case mailboxRequest:
		c.log().Trace("pimap_mailbox_request")
		req.r <- c.c.Mailbox()
	}
}

func drainRequests(ch chan interface{}) int {
	count := 0
	for {
		select {
		case _req := <-ch:
			count += 1
			switch req := _req.(type) {
			case idleRequest:
				req.r <- errConnectionClosed
			case selectRequest:
				req.r <- selectResponse{err: errConnectionClosed}
			case uidSearchRequest:
				req.r <- uidSearchResponse{err: errConnectionClosed}
			case uidFetchRequest:
				close(req.ch)
				req.r <- errConnectionClosed
			case expungeRequest:
				closeIfSet(req.ch)
				req.r <- errConnectionClosed
			case uidStoreRequest:
				closeIfSet(req.ch)
				req.r <- errConnectionClosed
			case mailboxRequest:
				req.r <- nil
			}
		default:
			return count
		}
	}
}

func NewClient(cfg *Config) (*PersistentIMAPClient, error) {
	ourCfg := *cfg
	if ourCfg.InitialDelay <= 0 {
		ourCfg.InitialDelay = DefaultInitialDelay
	}

	if ourCfg.MaxDelay == 0 {
		ourCfg.MaxDelay = DefaultMaxDelay
	} else if ourCfg.MaxDelay < ourCfg.InitialDelay {
		ourCfg.MaxDelay = ourCfg.InitialDelay
	}

	logger := ourCfg.Logger
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}

	if ourCfg.Inner == nil {
		ourCfg.Inner = &client.Factory{Logger: logger}
	}

	u := url.URL{
		Host: ourCfg.HostPort,
		Path: ourCfg.Mailbox,
	}

	if ourCfg.TLS {
		u.Scheme = "imaps"
	} else {
		u.Scheme = "imap"
	}

	c := &PersistentIMAPClient{
		cfg:           ourCfg,
		ch:            make(chan interface{}),
		logoutChannel: make(chan logoutRequest),
		shutdown:      0,
		loggedOut:     make(chan struct{}),
		logURL:        u.String(),
		logger:        logger,
	}
	go c.run()
	return c, nil
}
