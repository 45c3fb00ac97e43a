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

package account

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	log "github.com/sirupsen/logrus"
	"github.com/vs49688/mailchat/events"
	"github.com/vs49688/mailchat/imap"
	"github.com/vs49688/mailchat/ingest"
	"github.com/vs49688/mailchat/jobs"
	"github.com/vs49688/mailchat/outbox"
	"github.com/vs49688/mailchat/scheduler"
	"github.com/vs49688/mailchat/securejoin"
	"github.com/vs49688/mailchat/store"
	"golang.org/x/time/rate"
)

const (
	DefaultFolder = "INBOX"
	// DefaultConnectRate is the account-wide budget of IMAP/SMTP operations.
	DefaultConnectRate  = rate.Limit(5)
	DefaultConnectBurst = 10

	selfKeyConfig = "self_key"
)

type Config struct {
	// DBPath is the account database. Created on first open.
	DBPath string
	Addr   string
	Name   string

	IMAP imap.ConnectionConfig
	// IMAPFactory overrides how folder connections are made.
	IMAPFactory imap.Factory
	Folders     []string
	WindowSize  uint
	BatchSize   uint
	Transport   scheduler.Transport

	// KeyBits is the size of the key generated on first open.
	KeyBits     int
	RetryPolicy jobs.RetryPolicy

	DedupHorizon         time.Duration
	HandshakeTimeout     time.Duration
	InviteLifetime       time.Duration
	HousekeepingInterval time.Duration
	IDLEFallbackInterval time.Duration
	FetchMaxInterval     time.Duration
	MaxReconnectDelay    time.Duration

	SendReceipts     bool
	DisableDeletions bool

	// Limiter is shared with the transport when given. Otherwise one is
	// built from ConnectRate and ConnectBurst.
	Limiter      *rate.Limiter
	ConnectRate  rate.Limit
	ConnectBurst int

	// EventBuffer is the default subscriber buffer.
	EventBuffer int

	Clock  clock.Clock
	Logger *log.Entry
}

// Account owns every component of one chat identity.
type Account struct {
	cfg  Config
	self outbox.Identity

	store    *store.Store
	bus      *events.Bus
	queue    *jobs.Queue
	outbox   *outbox.Outbox
	engine   *securejoin.Engine
	pipeline *ingest.Pipeline
	limiter  *rate.Limiter

	mu        sync.Mutex
	scheduler *scheduler.Scheduler
	closed    bool

	log *log.Entry
}
