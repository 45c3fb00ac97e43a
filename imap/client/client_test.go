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

package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/vs49688/mailchat/imap"
	"github.com/vs49688/mailchat/internal"
)

func TestFactory(t *testing.T) {
	_, address, _ := internal.BuildTestIMAPServer(t)

	f := &Factory{TraceSize: 128}
	c, err := f.NewClient(&imap.ClientConfig{
		ConnectionConfig: imap.ConnectionConfig{
			HostPort: address,
			Auth:     imap.NewNormalAuthenticator("username", "password"),
			Mailbox:  "INBOX",
		},
	})
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	t.Cleanup(func() { _ = c.Logout() })

	assert.Equal(t, "INBOX", c.Mailbox().Name)

	trace := c.(*Client).Trace()
	assert.NotEmpty(t, trace)
	assert.LessOrEqual(t, len(trace), 128)
}

func TestFactoryBadMailbox(t *testing.T) {
	_, address, _ := internal.BuildTestIMAPServer(t)

	f := &Factory{}
	_, err := f.NewClient(&imap.ClientConfig{
		ConnectionConfig: imap.ConnectionConfig{
			HostPort: address,
			Auth:     imap.NewNormalAuthenticator("username", "password"),
			Mailbox:  "Nonexistent",
		},
	})
	assert.Error(t, err)
}

func TestFactoryBadLogin(t *testing.T) {
	_, address, _ := internal.BuildTestIMAPServer(t)

	f := &Factory{}
	_, err := f.NewClient(&imap.ClientConfig{
		ConnectionConfig: imap.ConnectionConfig{
			HostPort: address,
			Auth:     imap.NewNormalAuthenticator("username", "nope"),
			Mailbox:  "INBOX",
		},
	})
	assert.Error(t, err)
}
