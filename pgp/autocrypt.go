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

package pgp

import (
	"encoding/base64"
	"strings"

	"github.com/pkg/errors"
	"github.com/vs49688/mailchat/errdefs"
	"github.com/vs49688/mailchat/model"
)

const (
	HeaderAutocrypt       = "Autocrypt"
	HeaderAutocryptGossip = "Autocrypt-Gossip"
)

// Autocrypt is a parsed Autocrypt or Autocrypt-Gossip header.
type Autocrypt struct {
	Addr          string
	PreferEncrypt model.PreferEncrypt
	Key           *Key
}

func ParseAutocrypt(v string) (*Autocrypt, error) {
	ac := &Autocrypt{}
	var keydata string

	for _, attr := range strings.Split(v, ";") {
		attr = strings.TrimSpace(attr)
		if attr == "" {
			continue
		}

		kv := strings.SplitN(attr, "=", 2)
		if len(kv) != 2 {
			return nil, errdefs.Malformedf("invalid autocrypt attribute %q", attr)
		}

		name, value := strings.ToLower(strings.TrimSpace(kv[0])), strings.TrimSpace(kv[1])
		switch name {
		case "addr":
			ac.Addr = strings.ToLower(value)
		case "prefer-encrypt":
			if value == "mutual" {
				ac.PreferEncrypt = model.PreferMutual
			}
		case "keydata":
			keydata = value
		default:
			// Unknown critical attributes invalidate the header.
			if !strings.HasPrefix(name, "_") {
				return nil, errdefs.Malformedf("unknown critical autocrypt attribute %q", name)
			}
		}
	}

	if ac.Addr == "" || keydata == "" {
		return nil, errdefs.Malformedf("autocrypt header missing addr or keydata")
	}

	raw, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(keydata), ""))
	if err != nil {
		return nil, errdefs.Malformed(errors.Wrap(err, "decoding autocrypt keydata"))
	}

	if ac.Key, err = ParseKey(raw); err != nil {
		return nil, err
	}

	return ac, nil
}

// String formats the header value. Keydata is split into space-separated
// chunks so header writers can fold it.
func (ac *Autocrypt) String() (string, error) {
	raw, err := ac.Key.PublicBytes()
	if err != nil {
		return "", err
	}

	b64 := base64.StdEncoding.EncodeToString(raw)
	chunks := make([]string, 0, len(b64)/76+1)
	for len(b64) > 76 {
		chunks = append(chunks, b64[:76])
		b64 = b64[76:]
	}
	chunks = append(chunks, b64)

	sb := strings.Builder{}
	sb.WriteString("addr=")
	sb.WriteString(ac.Addr)
	sb.WriteString("; ")
	if ac.PreferEncrypt == model.PreferMutual {
		sb.WriteString("prefer-encrypt=mutual; ")
	}
	sb.WriteString("keydata=")
	sb.WriteString(strings.Join(chunks, " "))
	return sb.String(), nil
}
