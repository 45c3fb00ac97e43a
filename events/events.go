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

// Package events fans account events out to subscribers without ever
// blocking the emitter.
package events

import (
	"sync"
	"time"

	"github.com/elliotchance/orderedmap"
	log "github.com/sirupsen/logrus"
)

type Type int

const (
	MessageReceived Type = iota
	MessageDelivered
	MessageFailed
	MessageRead
	ContactVerified
	ContactKeyChanged
	SecureJoinProgress
	SecureJoinFailed
	SecureJoinTimedOut
	MemberChangeRejected
	MalformedMessage
	ConnectivityChanged
	Error
)

func (t Type) String() string {
	switch t {
	case MessageReceived:
		return "message_received"
	case MessageDelivered:
		return "message_delivered"
	case MessageFailed:
		return "message_failed"
	case MessageRead:
		return "message_read"
	case ContactVerified:
		return "contact_verified"
	case ContactKeyChanged:
		return "contact_key_changed"
	case SecureJoinProgress:
		return "securejoin_progress"
	case SecureJoinFailed:
		return "securejoin_failed"
	case SecureJoinTimedOut:
		return "securejoin_timed_out"
	case MemberChangeRejected:
		return "member_change_rejected"
	case MalformedMessage:
		return "malformed_message"
	case ConnectivityChanged:
		return "connectivity_changed"
	case Error:
		return "error"
	default:
		return "invalid"
	}
}

type Event struct {
	Type      Type
	Time      time.Time
	ChatID    int64
	MsgID     int64
	ContactID int64
	SessionID int64
	Folder    string
	Detail    string
	Err       error
}

// Emitter is implemented by anything that accepts events.
type Emitter interface {
	Emit(ev Event)
}

type Bus struct {
	mu      sync.Mutex
	nextID  int
	subs    *orderedmap.OrderedMap
	dropped uint64
	log     *log.Entry
}

func NewBus(logger *log.Entry) *Bus {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Bus{subs: orderedmap.NewOrderedMap(), log: logger}
}

// Emit delivers ev to every subscriber with room in its buffer. Events for
// subscribers that have fallen behind are dropped.
func (b *Bus) Emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	fields := log.Fields{
		"event":   ev.Type,
		"chat":    ev.ChatID,
		"msg_id":  ev.MsgID,
		"contact": ev.ContactID,
	}
	if ev.Detail != "" {
		fields["detail"] = ev.Detail
	}
	if ev.Err != nil {
		fields[log.ErrorKey] = ev.Err
	}
	b.log.WithFields(fields).Debug("event_emitted")

	b.mu.Lock()
	defer b.mu.Unlock()

	for el := b.subs.Front(); el != nil; el = el.Next() {
		select {
		case el.Value.(chan Event) <- ev:
		default:
			b.dropped++
			b.log.WithField("subscriber", el.Key).Warn("event_dropped")
		}
	}
}

// Subscribe returns a channel receiving future events and a function that
// unsubscribes and closes it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, buffer)
	b.subs.Set(id, ch)

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.subs.Delete(id)
			close(ch)
		})
	}
}

func (b *Bus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Discard is an Emitter that drops everything.
type Discard struct{}

func (Discard) Emit(Event) {}
