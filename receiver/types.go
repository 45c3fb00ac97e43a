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

package receiver

import (
	"context"
	"time"

	"github.com/emersion/go-imap/client"
	log "github.com/sirupsen/logrus"
	imap2 "github.com/vs49688/mailchat/imap"
	"golang.org/x/time/rate"
)

const (
	DefaultBatchSize            = 15
	DefaultWindowSize           = 20
	DefaultIDLEFallbackInterval = time.Minute
	DefaultFetchMaxInterval     = 5 * time.Minute
)

// CursorStore persists how far a folder has been consumed.
type CursorStore interface {
	LoadCursor(ctx context.Context, folder string) (uidValidity uint32, lastUID uint32, err error)
	SaveCursor(ctx context.Context, folder string, uidValidity uint32, lastUID uint32) error
}

type Config struct {
	imap2.ConnectionConfig

	Factory imap2.Factory
	Cursor  CursorStore

	// Channel receives messages in UID order. Every message must be acked.
	Channel chan<- *Message

	IDLEFallbackInterval time.Duration
	// FetchMaxInterval is the longest the folder goes without a fetch.
	FetchMaxInterval time.Duration
	// WindowSize bounds the number of unacked messages.
	WindowSize uint
	// BatchSize is how many acked messages are flagged in one command.
	BatchSize        uint
	DisableDeletions bool
	// Limiter, if set, paces fetch and store commands.
	Limiter *rate.Limiter
	Logger  *log.Entry
}

// Message is one message fetched from the folder.
type Message struct {
	Folder       string
	UID          uint32
	Flags        []string
	InternalDate time.Time
	Body         []byte
}

type ackRequest struct {
	UID    uint32
	Remove bool
	Error  error
}

type state int

const (
	StateUnacked state = 0
	StateAcked   state = 1
	StateFailed  state = 2
)

func (s state) String() string {
	switch s {
	case StateUnacked:
		return "unacked"
	case StateAcked:
		return "acked"
	case StateFailed:
		return "failed"
	default:
		return "invalid"
	}
}

type messageState struct {
	UID    uint32
	State  state
	Remove bool
}

type fetchRequest struct {
	UIDValidity uint32
	From        uint32
	Refetch     []uint32
	Limit       int
}

type fetchResult struct {
	UIDValidity uint32
	UIDs        []uint32
	Messages    map[uint32]*Message
	More        bool
	// Refetched lists the failed UIDs that were asked for again.
	Refetched []uint32
}

type storeResult struct {
	Done   []*messageState
	Failed []*messageState
}

type sstate int

var (
	StateNone    sstate = 0
	StateInIDLE  sstate = 1
	StateInFetch sstate = 2
	StateInStore sstate = 3
)

func (s sstate) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateInIDLE:
		return "in_idle"
	case StateInFetch:
		return "in_fetch"
	case StateInStore:
		return "in_store"
	default:
		panic("invalid_state")
	}
}

type operation int

const (
	OperationNone        operation = 0
	OperationTimeout     operation = 1
	OperationIDLEFinish  operation = 2
	OperationFetchFinish operation = 3
	OperationStoreFinish operation = 4
)

func (o operation) String() string {
	switch o {
	case OperationNone:
		return "none"
	case OperationTimeout:
		return "timeout"
	case OperationIDLEFinish:
		return "idle_finish"
	case OperationFetchFinish:
		return "fetch_finish"
	case OperationStoreFinish:
		return "store_finish"
	default:
		panic("invalid_operation")
	}
}

type MailReceiver struct {
	client imap2.Client
	folder string
	cursor CursorStore

	// client -> receiver, unsolicited updates
	updates chan client.Update

	// imap handler -> receiver, fetch & store results
	imapChannel chan interface{}

	// external -> receiver, incoming acks
	ackChannel chan ackRequest

	// receiver -> external, message notifications
	outChannel chan<- *Message

	messages    map[uint32]*messageState
	uidValidity uint32
	lastUID     uint32
	highest     uint32
	more        bool

	batchSize            uint
	windowSize           uint
	idleFallbackInterval time.Duration
	fetchMaxInterval     time.Duration
	disableDeletions     bool
	limiter              *rate.Limiter
	log                  *log.Entry

	ctx    context.Context
	cancel context.CancelFunc

	hasQuit  chan struct{}
	wantQuit chan struct{}
}
