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

package mimemsg

import (
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/stretchr/testify/assert"
	"github.com/vs49688/mailchat/errdefs"
)

const plainMessage = "From: Bob <bob@example.org>\r\n" +
	"To: alice@example.org, Carol <carol@example.org>\r\n" +
	"Cc: dave@example.org\r\n" +
	"Date: Mon, 02 Jan 2006 15:04:05 +0000\r\n" +
	"Message-ID: <abc@example.org>\r\n" +
	"In-Reply-To: <parent@example.org>\r\n" +
	"References: <root@example.org> <parent@example.org>\r\n" +
	"Subject: hello\r\n" +
	"Chat-Version: 1.0\r\n" +
	"Chat-Group-ID: grp1\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"hi there\r\n"

func TestParsePlain(t *testing.T) {
	m, err := Parse([]byte(plainMessage))
	if !assert.NoError(t, err) {
		t.FailNow()
	}

	assert.Equal(t, "abc@example.org", m.MessageID)
	assert.Equal(t, []string{"parent@example.org"}, m.InReplyTo)
	assert.Equal(t, []string{"root@example.org", "parent@example.org"}, m.References)
	assert.Equal(t, "bob@example.org", m.From.Address)
	assert.Equal(t, "Bob", m.From.Name)
	if assert.Len(t, m.To, 3) {
		assert.Equal(t, "alice@example.org", m.To[0].Address)
		assert.Equal(t, "dave@example.org", m.To[2].Address)
	}
	assert.Equal(t, "hello", m.Subject)
	assert.Equal(t, "hi there", m.Text)
	assert.Equal(t, "grp1", m.Get(HeaderChatGroupID))
	assert.False(t, m.Encrypted())
	assert.True(t, m.Date.Equal(time.Date(2006, 1, 2, 15, 4, 5, 0, time.UTC)))
}

func TestParseMalformed(t *testing.T) {
	_, err := Parse([]byte("this line has no colon\r\n\r\nbody"))
	assert.True(t, errdefs.IsMalformed(err))

	_, err = Parse([]byte("From: <<<\r\nMessage-ID: <x@y>\r\n\r\nbody"))
	assert.True(t, errdefs.IsMalformed(err))
}

func TestParseAttachment(t *testing.T) {
	raw := "From: bob@example.org\r\n" +
		"Message-ID: <att@example.org>\r\n" +
		"Content-Type: multipart/mixed; boundary=XYZ\r\n" +
		"\r\n" +
		"--XYZ\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"see attached\r\n" +
		"--XYZ\r\n" +
		"Content-Type: application/zip\r\n" +
		"Content-Disposition: attachment; filename=\"app.xdc\"\r\n" +
		"\r\n" +
		"PK\r\n" +
		"--XYZ--\r\n"

	m, err := Parse([]byte(raw))
	if !assert.NoError(t, err) {
		t.FailNow()
	}

	assert.Equal(t, "see attached", m.Text)
	if assert.Len(t, m.Attachments, 1) {
		assert.Equal(t, "app.xdc", m.Attachments[0].Filename)
	}
}

func testOutgoing() *Outgoing {
	return &Outgoing{
		From:       &mail.Address{Name: "Alice", Address: "alice@example.org"},
		To:         []*mail.Address{{Address: "bob@example.org"}},
		Date:       time.Date(2022, 5, 1, 10, 0, 0, 0, time.UTC),
		MessageID:  "out1@example.org",
		InReplyTo:  "prev@example.org",
		References: []string{"prev@example.org"},
		Subject:    "greetings",
		Text:       "hello bob",
		Headers: []Field{
			{Key: HeaderChatGroupID, Value: "grp2"},
			{Key: HeaderChatGroupMemberAdded, Value: "carol@example.org"},
		},
	}
}

func TestComposePlain(t *testing.T) {
	raw, err := ComposePlain(testOutgoing())
	if !assert.NoError(t, err) {
		t.FailNow()
	}

	m, err := Parse(raw)
	if !assert.NoError(t, err) {
		t.FailNow()
	}

	assert.Equal(t, "out1@example.org", m.MessageID)
	assert.Equal(t, []string{"prev@example.org"}, m.InReplyTo)
	assert.Equal(t, "greetings", m.Subject)
	assert.Equal(t, "hello bob", m.Text)
	assert.Equal(t, "grp2", m.Get(HeaderChatGroupID))
	assert.Equal(t, "1.0", m.Get(HeaderChatVersion))
}

func TestComposeEncryptedAndMerge(t *testing.T) {
	o := testOutgoing()

	inner, err := ComposeInner(o, []string{"addr=carol@example.org; keydata=AAAA"})
	if !assert.NoError(t, err) {
		t.FailNow()
	}

	// The payload is not actually encrypted here; only the container matters.
	raw, err := ComposeEncrypted(o, []byte("-----BEGIN PGP MESSAGE-----\r\n\r\nxyz\r\n-----END PGP MESSAGE-----\r\n"))
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	assert.NotContains(t, string(raw), "greetings")
	assert.NotContains(t, string(raw), "grp2")

	outer, err := Parse(raw)
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	assert.True(t, outer.Encrypted())
	assert.True(t, strings.HasPrefix(string(outer.Ciphertext), "-----BEGIN PGP MESSAGE-----"))
	assert.Equal(t, "...", outer.Subject)

	in, err := Parse(inner)
	if !assert.NoError(t, err) {
		t.FailNow()
	}

	outer.MergeProtected(in)
	assert.Equal(t, "greetings", outer.Subject)
	assert.Equal(t, "hello bob", outer.Text)
	assert.Equal(t, "grp2", outer.Get(HeaderChatGroupID))
	assert.Equal(t, []string{"addr=carol@example.org; keydata=AAAA"}, outer.Values("Autocrypt-Gossip"))
	assert.Equal(t, "out1@example.org", outer.MessageID)
}

func TestReceiptRoundTrip(t *testing.T) {
	raw, err := ComposeReceipt(testOutgoing(), "orig@example.org")
	if !assert.NoError(t, err) {
		t.FailNow()
	}

	m, err := Parse(raw)
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	assert.Equal(t, "orig@example.org", m.MDNOriginalID)
}

func TestSyntheticID(t *testing.T) {
	a := SyntheticID([]byte("x"))
	assert.Equal(t, a, SyntheticID([]byte("x")))
	assert.NotEqual(t, a, SyntheticID([]byte("y")))
}
