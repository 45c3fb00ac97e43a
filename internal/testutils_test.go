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
	"bytes"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/stretchr/testify/assert"
)

func TestIMAPServerNeverReusesUIDs(t *testing.T) {
	_, addr, _ := BuildTestIMAPServer(t)

	c, err := client.Dial(addr)
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	defer func() { _ = c.Logout() }()

	if !assert.NoError(t, c.Login("username", "password")) {
		t.FailNow()
	}

	msg := []byte("From: a@example.org\r\n\r\nhi\r\n")
	if !assert.NoError(t, c.Append("INBOX", nil, time.Now(), bytes.NewReader(msg))) {
		t.FailNow()
	}

	if _, err := c.Select("INBOX", false); !assert.NoError(t, err) {
		t.FailNow()
	}

	seq := new(imap.SeqSet)
	seq.AddNum(1)
	assert.NoError(t, c.UidStore(seq, imap.FormatFlagsOp(imap.AddFlags, true), []interface{}{imap.DeletedFlag}, nil))
	assert.NoError(t, c.Expunge(nil))

	if !assert.NoError(t, c.Append("INBOX", nil, time.Now(), bytes.NewReader(msg))) {
		t.FailNow()
	}

	status, err := c.Status("INBOX", []imap.StatusItem{imap.StatusUidNext})
	if assert.NoError(t, err) {
		assert.EqualValues(t, 3, status.UidNext)
	}

	uids, err := c.UidSearch(&imap.SearchCriteria{})
	if assert.NoError(t, err) {
		assert.Equal(t, []uint32{2}, uids)
	}
}
