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

package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	log "github.com/sirupsen/logrus"
	"github.com/vs49688/mailchat/events"
	"github.com/vs49688/mailchat/mimemsg"
	"github.com/vs49688/mailchat/model"
	"github.com/vs49688/mailchat/outbox"
	"github.com/vs49688/mailchat/pgp"
	"github.com/vs49688/mailchat/store"
)

// DefaultDedupHorizon is how long a wire Message-ID is remembered after the
// message itself may have been deleted.
const DefaultDedupHorizon = 30 * 24 * time.Hour

type Config struct {
	Store  *store.Store
	Self   outbox.Identity
	Crypto pgp.Adapter
	// Outbox is used to answer read-receipt requests; optional.
	Outbox     *outbox.Outbox
	Handshaker Handshaker
	Events     events.Emitter
	Clock      clock.Clock

	DedupHorizon time.Duration
	SendReceipts bool
	// QueueSize bounds requests waiting for the worker.
	QueueSize int
	Logger    *log.Entry
}

// RawMessage is one message as fetched from a folder.
type RawMessage struct {
	Folder     string
	UID        uint32
	Flags      []string
	Body       []byte
	ReceivedAt time.Time
}

type Disposition int

const (
	// DispositionKeep leaves the message on the server, marked seen.
	DispositionKeep Disposition = 0
	// DispositionDelete removes the message from the server.
	DispositionDelete Disposition = 1
)

func (d Disposition) String() string {
	switch d {
	case DispositionKeep:
		return "keep"
	case DispositionDelete:
		return "delete"
	default:
		return "invalid"
	}
}

type Result struct {
	MsgID         int64
	ChatID        int64
	Duplicate     bool
	Unprocessable bool
	Disposition   Disposition
}

type Response struct {
	Folder string
	UID    uint32
	Result *Result
	Error  error
}

// Incoming is what the handshake handler sees of a message carrying a
// Secure-Join header, after decryption and the peer-state update.
type Incoming struct {
	Parsed            *mimemsg.Message
	MessageID         string
	Sender            *model.Contact
	PeerState         *model.PeerState
	Encryption        model.EncryptionStatus
	Signed            bool
	SignerFingerprint string
	Timestamp         time.Time
}

func (in *Incoming) Step() string {
	return in.Parsed.Get(mimemsg.HeaderSecureJoin)
}

type HandshakeOutcome struct {
	// PassThrough continues normal processing, e.g. for a member-added
	// broadcast that is also a group message.
	PassThrough bool
	// ChatID is the chat the step is attributed to, if known.
	ChatID int64
}

// Handshaker processes Secure-Join steps inside the ingesting transaction.
type Handshaker interface {
	HandleHandshake(tx *store.Tx, in *Incoming) (*HandshakeOutcome, error)
}

type request struct {
	raw *RawMessage
	ch  chan<- Response
}

type Pipeline struct {
	store        *store.Store
	self         outbox.Identity
	crypto       pgp.Adapter
	outbox       *outbox.Outbox
	handshaker   Handshaker
	events       events.Emitter
	clock        clock.Clock
	dedupHorizon time.Duration
	sendReceipts bool
	log          *log.Entry

	ctx    context.Context
	cancel context.CancelFunc

	incoming  chan request
	hasQuit   chan struct{}
	wantQuit  chan struct{}
	closeOnce sync.Once
	shutdown  int32
}
