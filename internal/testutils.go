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

package internal

import (
	"context"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend"
	"github.com/emersion/go-imap/backend/memory"
	"github.com/emersion/go-imap/server"
	"github.com/stretchr/testify/assert"
	"github.com/vs49688/mailchat/pgp"
	"github.com/vs49688/mailchat/store"
)

// TestKeyBits keeps key generation fast in tests.
const TestKeyBits = 1024

// uidBackend wraps the memory backend so expunged UIDs are never handed
// out again, as on a real server. The memory backend reuses them once the
// highest message is gone.
type uidBackend struct {
	*memory.Backend

	mu      sync.Mutex
	highest map[*memory.Mailbox]uint32
}

func (b *uidBackend) Login(ci *imap.ConnInfo, username, password string) (backend.User, error) {
	u, err := b.Backend.Login(ci, username, password)
	if err != nil {
		return nil, err
	}
	return &uidUser{User: u, be: b}, nil
}

// remember records the highest UID currently in m and returns the highest
// ever seen.
func (b *uidBackend) remember(m *memory.Mailbox) uint32 {
	hw := b.highest[m]
	for _, msg := range m.Messages {
		if msg.Uid > hw {
			hw = msg.Uid
		}
	}
	b.highest[m] = hw
	return hw
}

type uidUser struct {
	backend.User
	be *uidBackend
}

func (u *uidUser) GetMailbox(name string) (backend.Mailbox, error) {
	mb, err := u.User.GetMailbox(name)
	if err != nil {
		return nil, err
	}

	if m, ok := mb.(*memory.Mailbox); ok {
		return &uidMailbox{Mailbox: m, be: u.be}, nil
	}
	return mb, nil
}

type uidMailbox struct {
	*memory.Mailbox
	be *uidBackend
}

func (m *uidMailbox) Status(items []imap.StatusItem) (*imap.MailboxStatus, error) {
	status, err := m.Mailbox.Status(items)
	if err != nil {
		return nil, err
	}

	m.be.mu.Lock()
	hw := m.be.remember(m.Mailbox)
	m.be.mu.Unlock()

	if status.UidNext != 0 && status.UidNext <= hw {
		status.UidNext = hw + 1
	}
	return status, nil
}

func (m *uidMailbox) CreateMessage(flags []string, date time.Time, body imap.Literal) error {
	m.be.mu.Lock()
	defer m.be.mu.Unlock()

	hw := m.be.remember(m.Mailbox)
	if err := m.Mailbox.CreateMessage(flags, date, body); err != nil {
		return err
	}

	msg := m.Messages[len(m.Messages)-1]
	if msg.Uid <= hw {
		msg.Uid = hw + 1
	}
	m.be.highest[m.Mailbox] = msg.Uid
	return nil
}

func (m *uidMailbox) Expunge() error {
	m.be.mu.Lock()
	m.be.remember(m.Mailbox)
	m.be.mu.Unlock()
	return m.Mailbox.Expunge()
}

// BuildTestIMAPServer starts an in-memory IMAP server with an empty INBOX
// for user "username"/"password". UIDs are never reused after an expunge.
func BuildTestIMAPServer(t *testing.T) (*server.Server, string, *memory.Mailbox) {
	mem := memory.New()
	be := &uidBackend{Backend: mem, highest: map[*memory.Mailbox]uint32{}}
	user, err := mem.Login(nil, "username", "password")
	if !assert.NoError(t, err) {
		t.FailNow()
	}

	mb, err := user.GetMailbox("INBOX")
	if !assert.NoError(t, err) {
		t.FailNow()
	}

	mailbox := mb.(*memory.Mailbox)
	mailbox.Messages = nil

	s := server.New(be)
	t.Cleanup(func() { _ = s.Close() })

	s.AllowInsecureAuth = true

	l, err := net.Listen("tcp", "localhost:0")
	if !assert.NoError(t, err) {
		t.FailNow()
	}

	go func() { _ = s.Serve(l) }()

	return s, l.Addr().String(), mailbox
}

// NewTestStore opens a fresh database with the self contact set up.
func NewTestStore(t *testing.T, self string) *store.Store {
	s, err := store.Open(&store.Config{Path: filepath.Join(t.TempDir(), "account.db")})
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	t.Cleanup(func() { _ = s.Close() })

	err = s.Transact(context.Background(), func(tx *store.Tx) error {
		return tx.EnsureSelf(self, time.Now())
	})
	if !assert.NoError(t, err) {
		t.FailNow()
	}

	return s
}

func NewTestKey(t *testing.T, addr string) *pgp.Key {
	k, err := pgp.GenerateKey(addr, TestKeyBits)
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	return k
}
