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
	"bytes"
	"io"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/pkg/errors"
)

type Field struct {
	Key   string
	Value string
}

// Outgoing describes a message to render.
type Outgoing struct {
	From       *mail.Address
	To         []*mail.Address
	Date       time.Time
	MessageID  string
	InReplyTo  string
	References []string
	Subject    string
	Text       string
	// Autocrypt is the value of the Autocrypt header, if any.
	Autocrypt string
	// Headers are written in order; in encrypted messages they are only
	// present in the protected payload.
	Headers []Field
}

func (o *Outgoing) envelopeHeader() mail.Header {
	var h mail.Header
	h.SetAddressList("From", []*mail.Address{o.From})
	h.SetAddressList("To", o.To)
	h.SetDate(o.Date)
	h.SetMessageID(o.MessageID)
	if o.InReplyTo != "" {
		h.SetMsgIDList("In-Reply-To", []string{o.InReplyTo})
	}
	if len(o.References) > 0 {
		h.SetMsgIDList("References", o.References)
	}
	h.Set(HeaderChatVersion, "1.0")
	if o.Autocrypt != "" {
		h.Set("Autocrypt", o.Autocrypt)
	}
	return h
}

func writeText(buf *bytes.Buffer, h message.Header, text string) error {
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	h.Set("Content-Transfer-Encoding", "quoted-printable")

	w, err := message.CreateWriter(buf, h)
	if err != nil {
		return errors.Wrap(err, "creating writer")
	}

	if _, err := io.WriteString(w, text); err != nil {
		return errors.Wrap(err, "writing body")
	}

	return errors.Wrap(w.Close(), "closing writer")
}

// ComposePlain renders an unencrypted message.
func ComposePlain(o *Outgoing) ([]byte, error) {
	h := o.envelopeHeader()
	h.SetSubject(o.Subject)
	for _, f := range o.Headers {
		h.Add(f.Key, f.Value)
	}

	buf := bytes.Buffer{}
	if err := writeText(&buf, h.Header, o.Text); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ComposeInner renders the payload that gets encrypted: the protected
// headers followed by the body.
func ComposeInner(o *Outgoing, gossip []string) ([]byte, error) {
	var h mail.Header
	h.SetSubject(o.Subject)
	for _, f := range o.Headers {
		h.Add(f.Key, f.Value)
	}
	for _, g := range gossip {
		h.Add("Autocrypt-Gossip", g)
	}

	buf := bytes.Buffer{}
	if err := writeText(&buf, h.Header, o.Text); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ComposeEncrypted wraps an armored ciphertext in a PGP/MIME container.
// The outer subject is a placeholder so the real one stays protected.
func ComposeEncrypted(o *Outgoing, ciphertext []byte) ([]byte, error) {
	h := o.envelopeHeader()
	h.SetSubject("...")
	h.SetContentType("multipart/encrypted", map[string]string{"protocol": "application/pgp-encrypted"})

	buf := bytes.Buffer{}
	mw, err := message.CreateWriter(&buf, h.Header)
	if err != nil {
		return nil, errors.Wrap(err, "creating writer")
	}

	var vh message.Header
	vh.SetContentType("application/pgp-encrypted", nil)
	vh.Set("Content-Description", "PGP/MIME version identification")
	if err := writePart(mw, vh, []byte("Version: 1\r\n")); err != nil {
		return nil, err
	}

	var ch message.Header
	ch.SetContentType("application/octet-stream", map[string]string{"name": "encrypted.asc"})
	ch.Set("Content-Description", "OpenPGP encrypted message")
	ch.Set("Content-Disposition", "inline; filename=\"encrypted.asc\"")
	if err := writePart(mw, ch, ciphertext); err != nil {
		return nil, err
	}

	if err := mw.Close(); err != nil {
		return nil, errors.Wrap(err, "closing writer")
	}
	return buf.Bytes(), nil
}

func writePart(mw *message.Writer, h message.Header, body []byte) error {
	w, err := mw.CreatePart(h)
	if err != nil {
		return errors.Wrap(err, "creating part")
	}

	if _, err := w.Write(body); err != nil {
		return errors.Wrap(err, "writing part")
	}
	return errors.Wrap(w.Close(), "closing part")
}

// ComposeReceipt renders a disposition notification for originalID.
func ComposeReceipt(o *Outgoing, originalID string) ([]byte, error) {
	h := o.envelopeHeader()
	h.SetSubject("Receipt Notification")
	h.SetContentType("multipart/report", map[string]string{"report-type": "disposition-notification"})

	buf := bytes.Buffer{}
	mw, err := message.CreateWriter(&buf, h.Header)
	if err != nil {
		return nil, errors.Wrap(err, "creating writer")
	}

	var th message.Header
	th.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	if err := writePart(mw, th, []byte("This message was displayed.\r\n")); err != nil {
		return nil, err
	}

	var dh message.Header
	dh.SetContentType("message/disposition-notification", nil)
	body := "Original-Message-ID: <" + originalID + ">\r\n" +
		"Disposition: manual-action/MDN-sent-automatically; displayed\r\n"
	if err := writePart(mw, dh, []byte(body)); err != nil {
		return nil, err
	}

	if err := mw.Close(); err != nil {
		return nil, errors.Wrap(err, "closing writer")
	}
	return buf.Bytes(), nil
}
