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
	"net"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/stretchr/testify/assert"
	imap2 "github.com/vs49688/mailchat/imap"
	"github.com/vs49688/mailchat/internal"
	"golang.org/x/time/rate"
)

type stateRecorder struct {
	mu     sync.Mutex
	states []ClientState
	errs   int
}

func (r *stateRecorder) record(state ClientState, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
	if err != nil {
		r.errs++
	}
}

func (r *stateRecorder) count(state ClientState) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.states {
		if s == state {
			n++
		}
	}
	return n
}

func (r *stateRecorder) failures() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errs
}

// deadAddress returns an address nothing is listening on.
func deadAddress(t *testing.T) string {
	l, err := net.Listen("tcp", "localhost:0")
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	addr := l.Addr().String()
	_ = l.Close()
	return addr
}

func testConfig(addr string) *imap2.ClientConfig {
	return &imap2.ClientConfig{
		ConnectionConfig: imap2.ConnectionConfig{
			HostPort: addr,
			Auth:     imap2.NewNormalAuthenticator("username", "password"),
			Mailbox:  "INBOX",
		},
	}
}

func TestConnectsAndServes(t *testing.T) {
	_, address, mailbox := internal.BuildTestIMAPServer(t)
	mailbox.Messages = nil

	rec := &stateRecorder{}
	f := Factory{OnStateChange: rec.record}

	c, err := f.NewClient(testConfig(address))
	if !assert.NoError(t, err) {
		t.FailNow()
	}

	criteria := imap.NewSearchCriteria()
	criteria.Uid = new(imap.SeqSet)
	criteria.Uid.AddRange(1, 0)

	uids, err := c.UidSearch(criteria)
	assert.NoError(t, err)
	assert.Empty(t, uids)

	if status := c.Mailbox(); assert.NotNil(t, status) {
		assert.Equal(t, "INBOX", status.Name)
	}

	if status, err := c.Select("INBOX", true); assert.NoError(t, err) {
		assert.Zero(t, status.Messages)
	}
	assert.NoError(t, c.Logout())

	select {
	case <-c.LoggedOut():
	case <-time.After(5 * time.Second):
		t.Fatal("client did not shut down")
	}

	assert.Equal(t, 1, rec.count(ClientStateConnected))
	assert.Zero(t, rec.failures())

	assert.Error(t, c.Idle(nil, nil))
	assert.Nil(t, c.Mailbox())
}

func TestIdleAfterLogout(t *testing.T) {
	f := Factory{InitialDelay: 10 * time.Millisecond, MaxDelay: 20 * time.Millisecond}

	c, err := f.NewClient(testConfig(deadAddress(t)))
	if !assert.NoError(t, err) {
		t.FailNow()
	}

	err = c.Logout()
	assert.NoError(t, err)

	err = c.Idle(nil, nil)
	assert.Error(t, err)

	ch := make(chan *imap.Message)
	assert.Error(t, c.UidFetch(new(imap.SeqSet), nil, ch))
	_, open := <-ch
	assert.False(t, open)
}

func TestPendingRequestFailsOnLogout(t *testing.T) {
	f := Factory{InitialDelay: 10 * time.Millisecond, MaxDelay: 20 * time.Millisecond}

	c, err := f.NewClient(testConfig(deadAddress(t)))
	if !assert.NoError(t, err) {
		t.FailNow()
	}

	ch := make(chan error, 1)
	go func() { ch <- c.Idle(nil, nil) }()

	time.Sleep(100 * time.Millisecond)
	assert.NoError(t, c.Logout())

	select {
	case err := <-ch:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("idle did not return")
	}
}

func TestReconnectBackoff(t *testing.T) {
	rec := &stateRecorder{}
	f := Factory{
		InitialDelay:  10 * time.Millisecond,
		MaxDelay:      20 * time.Millisecond,
		OnStateChange: rec.record,
	}

	c, err := f.NewClient(testConfig(deadAddress(t)))
	if !assert.NoError(t, err) {
		t.FailNow()
	}

	assert.Eventually(t, func() bool { return rec.failures() >= 3 }, 5*time.Second, 10*time.Millisecond)
	assert.NoError(t, c.Logout())

	assert.GreaterOrEqual(t, rec.count(ClientStateConnecting), 3)
	assert.Zero(t, rec.count(ClientStateConnected))
}

func TestLimiterThrottlesAttempts(t *testing.T) {
	rec := &stateRecorder{}
	f := Factory{
		InitialDelay:  time.Millisecond,
		MaxDelay:      time.Millisecond,
		Limiter:       rate.NewLimiter(rate.Every(time.Hour), 1),
		OnStateChange: rec.record,
	}

	c, err := f.NewClient(testConfig(deadAddress(t)))
	if !assert.NoError(t, err) {
		t.FailNow()
	}

	assert.Eventually(t, func() bool { return rec.failures() >= 1 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	assert.NoError(t, c.Logout())

	assert.Equal(t, 1, rec.count(ClientStateConnecting))
}

func TestClientStateString(t *testing.T) {
	assert.Equal(t, "disconnected", ClientStateDisconnected.String())
	assert.Equal(t, "connecting", ClientStateConnecting.String())
	assert.Equal(t, "connected", ClientStateConnected.String())
	assert.Equal(t, "invalid", ClientState(42).String())
}
