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

package client

import (
	"io"
	"os"
	"sync"

	"github.com/armon/circbuf"
	"github.com/emersion/go-imap/client"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/vs49688/mailchat/imap"
)

// DefaultTraceSize is the number of protocol bytes kept per connection.
const DefaultTraceSize = 64 * 1024

type Factory struct {
	TraceSize int64
	Logger    *log.Entry
}

// Client is a connected go-imap client that remembers the tail of its
// protocol exchange.
type Client struct {
	*client.Client
	trace *ring
}

// Trace returns the most recent protocol bytes, oldest first.
func (c *Client) Trace() string {
	return c.trace.String()
}

type ring struct {
	mu  sync.Mutex
	buf *circbuf.Buffer
}

func (r *ring) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.Write(p)
}

func (r *ring) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.String()
}

func (f *Factory) newRing() (*ring, error) {
	size := f.TraceSize
	if size <= 0 {
		size = DefaultTraceSize
	}

	buf, err := circbuf.NewBuffer(size)
	if err != nil {
		return nil, err
	}

	return &ring{buf: buf}, nil
}

func (f *Factory) NewClient(cfg *imap.ClientConfig) (imap.Client, error) {
	logger := f.Logger
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}

	trace, err := f.newRing()
	if err != nil {
		return nil, err
	}

	var c *client.Client
	if cfg.TLS {
		c, err = client.DialTLS(cfg.HostPort, cfg.TLSConfig)
	} else {
		c, err = client.Dial(cfg.HostPort)
	}

	if err != nil {
		return nil, errors.Wrapf(err, "dialing %v", cfg.HostPort)
	}

	c.Updates = cfg.Updates

	var w io.Writer = trace
	if cfg.Debug {
		w = io.MultiWriter(trace, os.Stderr)
	}
	c.SetDebug(w)

	wantCleanup := true
	defer func() {
		if wantCleanup {
			logger.WithField("trace", trace.String()).Debug("imap_connect_failed_trace")
			_ = c.Logout()
		}
	}()

	if cfg.Auth == nil {
		return nil, errors.New("no authenticator configured")
	}

	if err := cfg.Auth.Authenticate(c); err != nil {
		return nil, errors.Wrap(err, "authenticating")
	}

	if cfg.Mailbox != "" {
		if _, err := c.Select(cfg.Mailbox, cfg.ReadOnly); err != nil {
			return nil, errors.Wrapf(err, "selecting %v", cfg.Mailbox)
		}
	}

	wantCleanup = false
	return &Client{Client: c, trace: trace}, nil
}
