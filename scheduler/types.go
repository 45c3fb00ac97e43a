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

package scheduler

import (
	"context"
	"reflect"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	log "github.com/sirupsen/logrus"
	"github.com/vs49688/mailchat/events"
	"github.com/vs49688/mailchat/imap"
	"github.com/vs49688/mailchat/ingest"
	"github.com/vs49688/mailchat/jobs"
	"github.com/vs49688/mailchat/model"
	"github.com/vs49688/mailchat/receiver"
	"golang.org/x/time/rate"
)

const (
	DefaultHousekeepingInterval = time.Minute
	DefaultFolderRetryInterval  = 30 * time.Second
)

//go:generate mockgen -destination=mocks/mock_scheduler.go . Transport

// Transport delivers one rendered message. Errors are classified with
// errdefs; anything not permanent is retried.
type Transport interface {
	Send(ctx context.Context, env model.Envelope) error
}

// Ingester accepts fetched messages and reports back on ch.
type Ingester interface {
	IngestMessage(msg *ingest.RawMessage, ch chan<- ingest.Response) error
}

type Housekeeper interface {
	ExpireMessages(ctx context.Context) (int, error)
	PruneSeen(ctx context.Context) (int64, error)
}

type SessionExpirer interface {
	ExpireSessions(ctx context.Context) (int, error)
}

// FolderSpec names a folder to watch.
type FolderSpec struct {
	Name string
	// WindowSize bounds the unacked messages of this folder.
	WindowSize uint
}

type Config struct {
	// Connection is the IMAP account. Its Mailbox is replaced per folder.
	Connection imap.ConnectionConfig
	// Factory dials folder connections. Defaults to a persistent client
	// per folder that reports connectivity events.
	Factory imap.Factory
	Cursor  receiver.CursorStore

	Pipeline  Ingester
	Queue     *jobs.Queue
	Transport Transport
	// Housekeeper and Sessions are optional.
	Housekeeper Housekeeper
	Sessions    SessionExpirer

	// Limiter is shared by every folder of the account.
	Limiter *rate.Limiter
	Events  events.Emitter
	Clock   clock.Clock

	IDLEFallbackInterval time.Duration
	FetchMaxInterval     time.Duration
	BatchSize            uint
	DisableDeletions     bool
	MaxReconnectDelay    time.Duration
	HousekeepingInterval time.Duration
	FolderRetryInterval  time.Duration
	Logger               *log.Entry
}

type folder struct {
	spec     FolderSpec
	receiver *receiver.MailReceiver
	out      chan *receiver.Message
	ingested chan ingest.Response
}

type Scheduler struct {
	cfg    Config
	events events.Emitter
	clock  clock.Clock
	log    *log.Entry

	folders []*folder
	control chan FolderSpec

	cases            []reflect.SelectCase
	recvBaseOffset   int
	ingestBaseOffset int

	ctx      context.Context
	cancel   context.CancelFunc
	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}
