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

package securejoin

import (
	"encoding/hex"
	"net/url"
	"strings"

	"github.com/vs49688/mailchat/errdefs"
	"github.com/vs49688/mailchat/pgp"
)

const qrScheme = "OPENPGP4FPR:"

// QR is the content of an invite code:
//
//	OPENPGP4FPR:<FPR>#a=<addr>&n=<name>&s=<token>[&x=<grpid>&g=<grpname>]
type QR struct {
	Fingerprint string
	Addr        string
	Name        string
	Token       string
	GrpID       string
	GroupName   string
}

func (q *QR) IsGroup() bool {
	return q.GrpID != ""
}

func ParseQR(text string) (*QR, error) {
	text = strings.TrimSpace(text)
	if len(text) < len(qrScheme) || !strings.EqualFold(text[:len(qrScheme)], qrScheme) {
		return nil, errdefs.Malformedf("not an invite code")
	}

	fpr, fragment, ok := strings.Cut(text[len(qrScheme):], "#")
	if !ok {
		return nil, errdefs.Malformedf("invite code has no parameters")
	}

	q := &QR{Fingerprint: pgp.NormalizeFingerprint(fpr)}
	if b, err := hex.DecodeString(q.Fingerprint); err != nil || len(b) != 20 {
		return nil, errdefs.Malformedf("invalid fingerprint %q", fpr)
	}

	vals, err := url.ParseQuery(fragment)
	if err != nil {
		return nil, errdefs.Malformed(err)
	}

	q.Addr = vals.Get("a")
	q.Name = vals.Get("n")
	q.Token = vals.Get("s")
	q.GrpID = vals.Get("x")
	q.GroupName = vals.Get("g")

	if !strings.Contains(q.Addr, "@") {
		return nil, errdefs.Malformedf("invalid address %q", q.Addr)
	}

	if q.Token == "" {
		return nil, errdefs.Malformedf("invite code has no token")
	}

	return q, nil
}

func (q *QR) String() string {
	sb := strings.Builder{}
	sb.WriteString(qrScheme)
	sb.WriteString(q.Fingerprint)
	sb.WriteString("#a=")
	sb.WriteString(url.QueryEscape(q.Addr))
	sb.WriteString("&n=")
	sb.WriteString(url.QueryEscape(q.Name))
	sb.WriteString("&s=")
	sb.WriteString(url.QueryEscape(q.Token))
	if q.GrpID != "" {
		sb.WriteString("&x=")
		sb.WriteString(url.QueryEscape(q.GrpID))
		sb.WriteString("&g=")
		sb.WriteString(url.QueryEscape(q.GroupName))
	}
	return sb.String()
}
