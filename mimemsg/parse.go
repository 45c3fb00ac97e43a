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

// Package mimemsg parses incoming RFC 5322 messages and renders outgoing
// ones, including PGP/MIME containers and disposition notifications.
package mimemsg

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/ioutil"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/pkg/errors"
	"github.com/vs49688/mailchat/errdefs"
)

const (
	HeaderChatVersion          = "Chat-Version"
	HeaderChatGroupID          = "Chat-Group-ID"
	HeaderChatGroupName        = "Chat-Group-Name"
	HeaderChatGroupMemberAdded = "Chat-Group-Member-Added"
	HeaderChatGroupMemberRemov = "Chat-Group-Member-Removed"
	HeaderChatVerified         = "Chat-Verified"
	HeaderChatDispositionTo    = "Chat-Disposition-Notification-To"
	HeaderEphemeralTimer       = "Ephemeral-Timer"
	HeaderSecureJoin           = "Secure-Join"
	HeaderSecureJoinInvite     = "Secure-Join-Invite"
	HeaderSecureJoinToken      = "Secure-Join-Token"
	HeaderSecureJoinFpr        = "Secure-Join-Fingerprint"
	HeaderSecureJoinGroup      = "Secure-Join-Group"
	HeaderSecureJoinGroupName  = "Secure-Join-Group-Name"
)

// protectedHeaders are taken from the encrypted payload when present.
var protectedHeaders = []string{
	"Subject",
	HeaderChatVersion,
	HeaderChatGroupID,
	HeaderChatGroupName,
	HeaderChatGroupMemberAdded,
	HeaderChatGroupMemberRemov,
	HeaderChatVerified,
	HeaderChatDispositionTo,
	HeaderEphemeralTimer,
	HeaderSecureJoin,
	HeaderSecureJoinInvite,
	HeaderSecureJoinToken,
	HeaderSecureJoinFpr,
	HeaderSecureJoinGroup,
	HeaderSecureJoinGroupName,
	"Autocrypt-Gossip",
}

const maxDepth = 16

type Attachment struct {
	Filename  string
	MediaType string
	Size      int
}

type Message struct {
	Header mail.Header

	MessageID  string
	InReplyTo  []string
	References []string
	From       *mail.Address
	// To holds the To and Cc recipients, in header order.
	To      []*mail.Address
	Date    time.Time
	Subject string

	Text        string
	HTML        bool
	Attachments []Attachment

	// Ciphertext is the PGP/MIME payload, nil for plaintext messages.
	Ciphertext []byte

	// MDNOriginalID is set for disposition notifications.
	MDNOriginalID string
}

func (m *Message) Get(key string) string {
	return strings.TrimSpace(m.Header.Get(key))
}

func (m *Message) Values(key string) []string {
	return headerValues(&m.Header.Header.Header, key)
}

func headerValues(h *textproto.Header, key string) []string {
	var out []string
	fields := h.FieldsByKey(key)
	for fields.Next() {
		out = append(out, strings.TrimSpace(fields.Value()))
	}
	return out
}

func (m *Message) Encrypted() bool {
	return m.Ciphertext != nil
}

// SyntheticID derives a stable Message-ID for messages that lack one.
func SyntheticID(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:16]) + "@synthetic.invalid"
}

// Parse reads a complete message. Any structural problem is reported as
// errdefs.ErrMalformedInput.
func Parse(raw []byte) (*Message, error) {
	e, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, errdefs.Malformed(errors.Wrap(err, "reading message"))
	}

	m := &Message{Header: mail.Header{Header: e.Header}}
	if err := m.readHeaders(); err != nil {
		return nil, err
	}

	if err := m.walk(e, 0); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Message) readHeaders() error {
	var err error
	h := m.Header

	// A garbled Message-ID is treated as missing; callers then derive one.
	if m.MessageID, err = h.MessageID(); err != nil {
		m.MessageID = ""
	}

	// Thread references are best effort.
	m.InReplyTo, _ = h.MsgIDList("In-Reply-To")
	m.References, _ = h.MsgIDList("References")

	from, err := h.AddressList("From")
	if err != nil {
		return errdefs.Malformed(errors.Wrap(err, "parsing From"))
	} else if len(from) > 0 {
		m.From = from[0]
	}

	for _, k := range []string{"To", "Cc"} {
		l, err := h.AddressList(k)
		if err != nil {
			return errdefs.Malformed(errors.Wrapf(err, "parsing %v", k))
		}
		m.To = append(m.To, l...)
	}

	if h.Has("Date") {
		if m.Date, err = h.Date(); err != nil {
			return errdefs.Malformed(errors.Wrap(err, "parsing Date"))
		}
	}

	m.Subject, _ = h.Subject()
	return nil
}

func (m *Message) walk(e *message.Entity, depth int) error {
	if depth > maxDepth {
		return errdefs.Malformedf("mime nesting too deep")
	}

	mt, params, err := e.Header.ContentType()
	if err != nil {
		mt = "text/plain"
	}

	switch {
	case mt == "multipart/encrypted" && params["protocol"] == "application/pgp-encrypted":
		return m.readEncrypted(e)
	case mt == "multipart/report" && params["report-type"] == "disposition-notification":
		return m.readReport(e)
	case strings.HasPrefix(mt, "multipart/"):
		return m.eachPart(e, func(p *message.Entity) error {
			return m.walk(p, depth+1)
		})
	}

	disp, dparams, _ := e.Header.ContentDisposition()
	if disp == "attachment" || (mt != "text/plain" && mt != "text/html") {
		body, err := ioutil.ReadAll(e.Body)
		if err != nil {
			return errdefs.Malformed(errors.Wrap(err, "reading attachment"))
		}

		name := dparams["filename"]
		if name == "" {
			name = params["name"]
		}

		m.Attachments = append(m.Attachments, Attachment{Filename: name, MediaType: mt, Size: len(body)})
		return nil
	}

	body, err := ioutil.ReadAll(e.Body)
	if err != nil {
		return errdefs.Malformed(errors.Wrap(err, "reading text body"))
	}

	if mt == "text/plain" && m.Text == "" {
		m.Text = strings.TrimRight(string(body), "\r\n")
	} else if mt == "text/html" {
		m.HTML = true
	}
	return nil
}

func (m *Message) eachPart(e *message.Entity, fn func(p *message.Entity) error) error {
	mr := e.MultipartReader()
	if mr == nil {
		return errdefs.Malformedf("multipart entity without parts")
	}

	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			return nil
		} else if err != nil && !message.IsUnknownCharset(err) {
			return errdefs.Malformed(errors.Wrap(err, "reading part"))
		}

		if err := fn(p); err != nil {
			return err
		}
	}
}

func (m *Message) readEncrypted(e *message.Entity) error {
	err := m.eachPart(e, func(p *message.Entity) error {
		mt, _, _ := p.Header.ContentType()
		if mt != "application/octet-stream" {
			_, err := io.Copy(ioutil.Discard, p.Body)
			return err
		}

		body, err := ioutil.ReadAll(p.Body)
		if err != nil {
			return errdefs.Malformed(errors.Wrap(err, "reading encrypted part"))
		}
		m.Ciphertext = body
		return nil
	})

	if err != nil {
		return err
	}

	if m.Ciphertext == nil {
		return errdefs.Malformedf("multipart/encrypted without payload")
	}
	return nil
}

func (m *Message) readReport(e *message.Entity) error {
	return m.eachPart(e, func(p *message.Entity) error {
		mt, _, _ := p.Header.ContentType()
		switch mt {
		case "message/disposition-notification":
			body, err := ioutil.ReadAll(p.Body)
			if err != nil {
				return errdefs.Malformed(errors.Wrap(err, "reading disposition notification"))
			}

			body = append(body, "\r\n\r\n"...)
			h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(body)))
			if err != nil {
				return errdefs.Malformed(errors.Wrap(err, "reading disposition notification"))
			}
			m.MDNOriginalID = strings.Trim(strings.TrimSpace(h.Get("Original-Message-ID")), "<>")
		case "text/plain":
			body, err := ioutil.ReadAll(p.Body)
			if err != nil {
				return errdefs.Malformed(errors.Wrap(err, "reading report text"))
			}
			m.Text = strings.TrimRight(string(body), "\r\n")
		default:
			_, err := io.Copy(ioutil.Discard, p.Body)
			return err
		}
		return nil
	})
}

// MergeProtected applies the decrypted inner message: its body replaces
// the outer one and its protected headers override the outer headers.
func (m *Message) MergeProtected(inner *Message) {
	for _, k := range protectedHeaders {
		if vals := inner.Values(k); len(vals) > 0 {
			m.Header.Del(k)
			for _, v := range vals {
				m.Header.Add(k, v)
			}
		}
	}

	if inner.Header.Has("Subject") {
		m.Subject = inner.Subject
	}

	m.Text = inner.Text
	m.HTML = inner.HTML
	m.Attachments = inner.Attachments
	m.MDNOriginalID = inner.MDNOriginalID
}
