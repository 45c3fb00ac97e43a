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
	"bytes"
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	imapclient "github.com/emersion/go-imap/client"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/vs49688/mailchat/errdefs"
	"github.com/vs49688/mailchat/events"
	"github.com/vs49688/mailchat/imap"
	"github.com/vs49688/mailchat/internal"
	"github.com/vs49688/mailchat/jobs"
	"github.com/vs49688/mailchat/model"
)

// loopback delivers mail by appending it to each recipient's IMAP server.
type loopback struct {
	mu      sync.Mutex
	servers map[string]string
}

func (l *loopback) add(addr string, server string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.servers[addr] = server
}

func (l *loopback) Send(ctx context.Context, env model.Envelope) error {
	for _, to := range env.To {
		l.mu.Lock()
		server, ok := l.servers[to]
		l.mu.Unlock()

		if !ok {
			return errdefs.Permanent(errors.Errorf("no such user %v", to))
		}

		c, err := imapclient.Dial(server)
		if err != nil {
			return errdefs.Transient(err)
		}

		err = c.Login("username", "password")
		if err == nil {
			err = c.Append("INBOX", nil, time.Now(), bytes.NewReader(env.Raw))
		}
		_ = c.Logout()

		if err != nil {
			return errdefs.Transient(err)
		}
	}
	return nil
}

func newLoopback() *loopback {
	return &loopback{servers: map[string]string{}}
}

func testConfig(t *testing.T, addr string, name string, transport *loopback) *Config {
	_, server, _ := internal.BuildTestIMAPServer(t)
	transport.add(addr, server)

	return &Config{
		DBPath: filepath.Join(t.TempDir(), "account.db"),
		Addr:   addr,
		Name:   name,
		IMAP: imap.ConnectionConfig{
			HostPort: server,
			Auth:     imap.NewNormalAuthenticator("username", "password"),
		},
		Transport:            transport,
		KeyBits:              internal.TestKeyBits,
		RetryPolicy:          jobs.RetryPolicy{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond},
		IDLEFallbackInterval: 100 * time.Millisecond,
		FetchMaxInterval:     300 * time.Millisecond,
		HousekeepingInterval: time.Second,
	}
}

func open(t *testing.T, cfg *Config) *Account {
	a, err := Open(context.Background(), cfg)
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func waitFor(t *testing.T, ch <-chan events.Event, typ events.Type) events.Event {
	timeout := time.After(20 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %v", typ)
			return events.Event{}
		}
	}
}

func TestKeyPersists(t *testing.T) {
	cfg := testConfig(t, "alice@example.org", "Alice", newLoopback())

	a, err := Open(context.Background(), cfg)
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	fpr := a.Self().Key.Fingerprint()
	assert.True(t, a.Self().Key.HasPrivate())
	assert.NoError(t, a.Close())

	b, err := Open(context.Background(), cfg)
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	defer func() { _ = b.Close() }()

	assert.Equal(t, fpr, b.Self().Key.Fingerprint())
}

func TestOpenWithoutAddress(t *testing.T) {
	_, err := Open(context.Background(), &Config{DBPath: filepath.Join(t.TempDir(), "account.db")})
	assert.Equal(t, ErrNoAddress, err)
}

func TestClosed(t *testing.T) {
	a := open(t, testConfig(t, "alice@example.org", "Alice", newLoopback()))
	assert.NoError(t, a.Close())
	assert.NoError(t, a.Close())

	_, err := a.Chats(context.Background())
	assert.Equal(t, ErrClosed, err)
	assert.Equal(t, ErrClosed, a.Start())

	_, err = a.StartQRJoin(context.Background(), "OPENPGP4FPR:0123456789ABCDEF0123456789ABCDEF01234567#a=bob%40example.org&n=&s=tok")
	assert.Equal(t, ErrClosed, err)
}

func TestStartQRJoinRejectsGarbage(t *testing.T) {
	a := open(t, testConfig(t, "alice@example.org", "Alice", newLoopback()))

	_, err := a.StartQRJoin(context.Background(), "https://example.org")
	assert.True(t, errdefs.IsMalformed(err))
}

func TestSendBetweenAccounts(t *testing.T) {
	net := newLoopback()
	alice := open(t, testConfig(t, "alice@example.org", "Alice", net))
	bob := open(t, testConfig(t, "bob@example.org", "Bob", net))

	aliceEvents, unsub := alice.Subscribe(0)
	defer unsub()
	bobEvents, unsub := bob.Subscribe(0)
	defer unsub()

	ctx := context.Background()

	chat, err := alice.CreateChat(ctx, "bob@example.org", "Bob")
	if !assert.NoError(t, err) {
		t.FailNow()
	}

	sent, err := alice.EnqueueSend(ctx, chat.ID, "hello bob")
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	assert.Equal(t, model.StatePending, sent.State)

	assert.NoError(t, alice.Start())
	assert.NoError(t, alice.Start())
	assert.NoError(t, bob.Start())

	ev := waitFor(t, aliceEvents, events.MessageDelivered)
	assert.Equal(t, sent.ID, ev.MsgID)

	ev = waitFor(t, bobEvents, events.MessageReceived)
	msg, err := bob.Message(ctx, ev.MsgID)
	if assert.NoError(t, err) && assert.NotNil(t, msg) {
		assert.Equal(t, "hello bob", msg.Text)
		assert.Equal(t, sent.RFC724MID, msg.RFC724MID)
	}

	// Bob learned Alice's key from the Autocrypt header.
	ps, err := bob.PeerState(ctx, "alice@example.org")
	if assert.NoError(t, err) && assert.NotNil(t, ps) {
		assert.Equal(t, alice.Self().Key.Fingerprint(), ps.Fingerprint)
	}

	stored, err := alice.Message(ctx, sent.ID)
	if assert.NoError(t, err) {
		assert.Equal(t, model.StateDelivered, stored.State)
	}
}

func TestSendToUnknownRecipientFails(t *testing.T) {
	alice := open(t, testConfig(t, "alice@example.org", "Alice", newLoopback()))

	ch, unsub := alice.Subscribe(0)
	defer unsub()

	ctx := context.Background()
	chat, err := alice.CreateChat(ctx, "nobody@example.org", "")
	if !assert.NoError(t, err) {
		t.FailNow()
	}

	sent, err := alice.EnqueueSend(ctx, chat.ID, "anyone there?")
	if !assert.NoError(t, err) {
		t.FailNow()
	}

	assert.NoError(t, alice.Start())

	ev := waitFor(t, ch, events.MessageFailed)
	assert.Equal(t, sent.ID, ev.MsgID)

	msg, err := alice.Message(ctx, sent.ID)
	if assert.NoError(t, err) {
		assert.Equal(t, model.StateFailed, msg.State)
		assert.NotEmpty(t, msg.Error)
	}
}

func TestSecureJoinBetweenAccounts(t *testing.T) {
	net := newLoopback()
	alice := open(t, testConfig(t, "alice@example.org", "Alice", net))
	bob := open(t, testConfig(t, "bob@example.org", "Bob", net))

	aliceEvents, unsub := alice.Subscribe(256)
	defer unsub()
	bobEvents, unsub := bob.Subscribe(256)
	defer unsub()

	ctx := context.Background()

	qr, _, err := alice.GenerateQRSession(ctx, 0)
	if !assert.NoError(t, err) {
		t.FailNow()
	}

	_, err = bob.StartQRJoin(ctx, qr.String())
	if !assert.NoError(t, err) {
		t.FailNow()
	}

	assert.NoError(t, alice.Start())
	assert.NoError(t, bob.Start())

	waitFor(t, aliceEvents, events.ContactVerified)
	waitFor(t, bobEvents, events.ContactVerified)

	ps, err := alice.PeerState(ctx, "bob@example.org")
	if assert.NoError(t, err) && assert.NotNil(t, ps) {
		assert.True(t, ps.Verified)
		assert.Equal(t, bob.Self().Key.Fingerprint(), ps.Fingerprint)
	}

	ps, err = bob.PeerState(ctx, "alice@example.org")
	if assert.NoError(t, err) && assert.NotNil(t, ps) {
		assert.True(t, ps.Verified)
	}
}
