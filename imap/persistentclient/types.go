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
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	log "github.com/sirupsen/logrus"
	imap2 "github.com/vs49688/mailchat/imap"
	"golang.org/x/time/rate"
)

const (
	DefaultInitialDelay = time.Second
	DefaultMaxDelay     = 64 * time.Second
)

type ClientState int32

const (
	ClientStateDisconnected ClientState = 0
	ClientStateConnecting   ClientState = 1
	ClientStateConnected    ClientState = 2
)

func (s ClientState) String() string {
	switch s {
	case ClientStateDisconnected:
		return "disconnected"
	case ClientStateConnecting:
		return "connecting"
	case ClientStateConnected:
		return "connected"
	default:
		return "invalid"
	}
}

// StateFunc is told about every connection state change. It is called from
// the connection goroutine and must not block. err is set when a connection
// attempt failed or an established connection was lost.
type StateFunc func(state ClientState, err error)

type Config struct {
	imap2.ClientConfig

	InitialDelay time.Duration
	MaxDelay     time.Duration
	// Limiter, if set, is consulted before every connection attempt.
	Limiter       *rate.Limiter
	OnStateChange StateFunc
	// Inner dials the underlying connections.
	Inner  imap2.Factory
	Logger *log.Entry
}

type idleRequest struct {
	r chan error

	stop <-chan struct{}
	opts *client.IdleOptions
}

type selectResponse struct {
	status *imap.MailboxStatus
	err    error
}

type selectRequest struct {
	r chan selectResponse

	name     string
	readOnly bool
}

type uidSearchResponse struct {
	uids []uint32
	err  error
}

type uidSearchRequest struct {
	r chan uidSearchResponse

	criteria *imap.SearchCriteria
}

type uidFetchRequest struct {
	r chan error

	seqset *imap.SeqSet
	items  []imap.FetchItem
	ch     chan *imap.Message
}

type expungeRequest struct {
	r chan error

	ch chan uint32
}

type uidStoreRequest struct {
	r chan error

	seqset *imap.SeqSet
	item   imap.StoreItem
	value  interface{}
	ch     chan *imap.Message
}


type mailboxRequest struct {
	r chan *imap.MailboxStatus
}

type logoutRequest struct {
	r chan error
}

// PersistentIMAPClient looks like a single connection but reconnects behind
// the scenes. Calls made while disconnected wait for the next connection.
type PersistentIMAPClient struct {
	c             imap2.Client
	cfg           Config
	ch            chan interface{}
	logoutChannel chan logoutRequest
	shutdown      int32
	loggedOut     chan struct{}
	logURL        string
	logger        *log.Entry
}

type Factory struct {
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	Limiter       *rate.Limiter
	OnStateChange StateFunc
	Inner         imap2.Factory
	Logger        *log.Entry
}
