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
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/emersion/go-message"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	imap2 "github.com/vs49688/mailchat/imap"
	"github.com/vs49688/mailchat/imap/client"
	"github.com/vs49688/mailchat/imap/persistentclient"
	"github.com/vs49688/mailchat/internal"
)

func makeTestMessage(t *testing.T, messageID string) *bytes.Buffer {
	hdr := message.Header{}
	hdr.Add("From", "from@example.com")
	hdr.Add("To", "to@example.com")
	hdr.Add("Subject", "Test Email")
	hdr.Add("Date", "Wed, 11 May 2016 14:31:59 +0000")
	hdr.Add("Content-Type", "text/plain")
	hdr.Add("Message-ID", messageID)

	msg, err := message.New(hdr, strings.NewReader("Привет!"))
	if !assert.NoError(t, err) {
		t.FailNow()
	}

	bb := new(bytes.Buffer)
	if !assert.NoError(t, msg.WriteTo(bb)) {
		t.FailNow()
	}

	return bb
}

type testServer struct {
	t    *testing.T
	addr string
	c    *imapclient.Client
}

func newTestServer(t *testing.T) *testServer {
	_, addr, _ := internal.BuildTestIMAPServer(t)

	c, err := imapclient.Dial(addr)
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	t.Cleanup(func() { _ = c.Logout() })

	if !assert.NoError(t, c.Login("username", "password")) {
		t.FailNow()
	}

	return &testServer{t: t, addr: addr, c: c}
}

func (s *testServer) append(n int) {
	if !assert.NoError(s.t, s.c.Append("INBOX", nil, time.Now(), makeTestMessage(s.t, fmt.Sprintf("<%02d@localhost>", n)))) {
		s.t.FailNow()
	}
}

// status returns the number of messages and how many are \Seen.
func (s *testServer) status() (uint32, uint32) {
	mbox, err := s.c.Select("INBOX", true)
	if !assert.NoError(s.t, err) {
		s.t.FailNow()
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithFlags = []string{imap.SeenFlag}
	seen, err := s.c.UidSearch(criteria)
	if !assert.NoError(s.t, err) {
		s.t.FailNow()
	}

	return mbox.Messages, uint32(len(seen))
}

func (s *testServer) config(ch chan<- *Message, cursor CursorStore) *Config {
	return &Config{
		ConnectionConfig: imap2.ConnectionConfig{
			HostPort: s.addr,
			Auth:     imap2.NewNormalAuthenticator("username", "password"),
			Mailbox:  "INBOX",
		},
		Factory:              &client.Factory{},
		Cursor:               cursor,
		Channel:              ch,
		IDLEFallbackInterval: 100 * time.Millisecond,
		FetchMaxInterval:     300 * time.Millisecond,
	}
}

func receive(t *testing.T, ch <-chan *Message) *Message {
	select {
	case msg := <-ch:
		return msg
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func assertNothing(t *testing.T, ch <-chan *Message, d time.Duration) {
	select {
	case msg := <-ch:
		t.Fatalf("unexpected message %v", msg.UID)
	case <-time.After(d):
	}
}

func cursorOf(c *MemoryCursor) uint32 {
	_, last, _ := c.LoadCursor(context.Background(), "INBOX")
	return last
}

func TestReceiver(t *testing.T) {
	log.SetLevel(log.TraceLevel)

	srv := newTestServer(t)

	// Add an initial message, the receiver should check this
	srv.append(1)

	ch := make(chan *Message, 10)
	cursor := &MemoryCursor{}
	receiver, err := NewReceiver(srv.config(ch, cursor))
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	defer receiver.Close()

	// Get our initial message and Ack it
	msg := receive(t, ch)
	assert.Equal(t, uint32(1), msg.UID)
	assert.Equal(t, "INBOX", msg.Folder)
	assert.Contains(t, string(msg.Body), "<01@localhost>")
	assert.NotContains(t, msg.Flags, imap.SeenFlag)
	receiver.Ack(msg.UID, false, nil)

	// Add another message, the receiver should receive it via IDLE
	// or a force-fetch via timeout
	srv.append(2)

	msg = receive(t, ch)
	assert.Equal(t, uint32(2), msg.UID)
	receiver.Ack(msg.UID, false, nil)

	assert.Eventually(t, func() bool { return cursorOf(cursor) == 2 }, 5*time.Second, 20*time.Millisecond)
	assert.Eventually(t, func() bool {
		total, seen := srv.status()
		return total == 2 && seen == 2
	}, 5*time.Second, 50*time.Millisecond)
}

func TestAckRemoveExpunges(t *testing.T) {
	srv := newTestServer(t)
	srv.append(1)
	srv.append(2)

	ch := make(chan *Message, 10)
	receiver, err := NewReceiver(srv.config(ch, nil))
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	defer receiver.Close()

	first, second := receive(t, ch), receive(t, ch)
	assert.Equal(t, uint32(1), first.UID)
	assert.Equal(t, uint32(2), second.UID)

	receiver.Ack(first.UID, true, nil)
	receiver.Ack(second.UID, false, nil)

	assert.Eventually(t, func() bool {
		total, seen := srv.status()
		return total == 1 && seen == 1
	}, 5*time.Second, 50*time.Millisecond)
}

func TestFailedAckIsRefetched(t *testing.T) {
	srv := newTestServer(t)
	srv.append(1)
	srv.append(2)

	ch := make(chan *Message, 10)
	cursor := &MemoryCursor{}
	receiver, err := NewReceiver(srv.config(ch, cursor))
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	defer receiver.Close()

	first, second := receive(t, ch), receive(t, ch)
	receiver.Ack(first.UID, false, fmt.Errorf("database locked"))
	receiver.Ack(second.UID, false, nil)

	// The cursor can't pass a failed message.
	again := receive(t, ch)
	assert.Equal(t, uint32(1), again.UID)
	assert.Equal(t, uint32(0), cursorOf(cursor))

	receiver.Ack(again.UID, false, nil)
	assert.Eventually(t, func() bool { return cursorOf(cursor) == 2 }, 5*time.Second, 20*time.Millisecond)
}

func TestWindowBoundsInFlight(t *testing.T) {
	srv := newTestServer(t)
	srv.append(1)
	srv.append(2)
	srv.append(3)

	ch := make(chan *Message, 10)
	cfg := srv.config(ch, nil)
	cfg.WindowSize = 2

	receiver, err := NewReceiver(cfg)
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	defer receiver.Close()

	first, second := receive(t, ch), receive(t, ch)
	assert.Equal(t, uint32(1), first.UID)
	assert.Equal(t, uint32(2), second.UID)
	assertNothing(t, ch, 500*time.Millisecond)

	receiver.Ack(first.UID, false, nil)
	third := receive(t, ch)
	assert.Equal(t, uint32(3), third.UID)

	receiver.Ack(second.UID, false, nil)
	receiver.Ack(third.UID, false, nil)
}

func TestResumeFromCursor(t *testing.T) {
	srv := newTestServer(t)
	srv.append(1)

	ch := make(chan *Message, 10)
	cursor := &MemoryCursor{}
	receiver, err := NewReceiver(srv.config(ch, cursor))
	if !assert.NoError(t, err) {
		t.FailNow()
	}

	msg := receive(t, ch)
	receiver.Ack(msg.UID, false, nil)
	assert.Eventually(t, func() bool { return cursorOf(cursor) == 1 }, 5*time.Second, 20*time.Millisecond)
	receiver.Close()

	srv.append(2)

	receiver, err = NewReceiver(srv.config(ch, cursor))
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	defer receiver.Close()

	msg = receive(t, ch)
	assert.Equal(t, uint32(2), msg.UID)
	receiver.Ack(msg.UID, false, nil)
	assertNothing(t, ch, 500*time.Millisecond)
}

func TestUIDValidityChangeResetsCursor(t *testing.T) {
	srv := newTestServer(t)
	srv.append(1)

	cursor := &MemoryCursor{}
	_ = cursor.SaveCursor(context.Background(), "INBOX", 0xdeadbeef, 50)

	ch := make(chan *Message, 10)
	receiver, err := NewReceiver(srv.config(ch, cursor))
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	defer receiver.Close()

	msg := receive(t, ch)
	assert.Equal(t, uint32(1), msg.UID)
	receiver.Ack(msg.UID, false, nil)

	assert.Eventually(t, func() bool {
		validity, last, _ := cursor.LoadCursor(context.Background(), "INBOX")
		return validity != 0xdeadbeef && last == 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestLogoutWhenDisconnected(t *testing.T) {
	ch := make(chan *Message, 1)
	receiver, err := NewReceiver(&Config{
		ConnectionConfig: imap2.ConnectionConfig{
			HostPort: "127.0.0.1:1",
			Auth:     imap2.NewNormalAuthenticator("username", "password"),
			Mailbox:  "INBOX",
		},
		Factory: &persistentclient.Factory{InitialDelay: 10 * time.Millisecond, MaxDelay: 20 * time.Millisecond},
		Channel: ch,
	})
	if !assert.NoError(t, err) {
		t.FailNow()
	}

	time.Sleep(100 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		receiver.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("receiver did not close")
	}
}

func TestSelectWindow(t *testing.T) {
	uids, more := selectWindow([]uint32{9, 3, 5, 7}, 3, 2)
	assert.Equal(t, []uint32{5, 7}, uids)
	assert.True(t, more)

	// "n:*" matches the last message even below n
	uids, more = selectWindow([]uint32{3}, 3, 10)
	assert.Empty(t, uids)
	assert.False(t, more)
}
