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

// Package pgp adapts golang.org/x/crypto/openpgp to the needs of the chat
// core: key handling, PGP/MIME payload encryption and Autocrypt headers.
package pgp

import (
	"bytes"
	"encoding/hex"
	"strings"

	"github.com/pkg/errors"
	"github.com/vs49688/mailchat/errdefs"
	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/packet"
)

// DefaultKeyBits is the RSA key size used when none is configured.
const DefaultKeyBits = 2048

// Algorithm preferences advertised in the identity self-signature, in
// RFC 4880 id form. Without them peers fall back to RIPEMD160 and 3DES.
var (
	preferredHash      = []uint8{8, 10, 9, 2} // SHA256, SHA512, SHA384, SHA1
	preferredSymmetric = []uint8{9, 8, 7}     // AES256, AES192, AES128
)

type Key struct {
	entity *openpgp.Entity
}

func GenerateKey(addr string, bits int) (*Key, error) {
	if bits == 0 {
		bits = DefaultKeyBits
	}

	e, err := openpgp.NewEntity("", "", addr, &packet.Config{RSABits: bits})
	if err != nil {
		return nil, errors.Wrap(err, "generating key")
	}

	// Self-sign now so serialised keys carry valid identity signatures.
	for _, id := range e.Identities {
		id.SelfSignature.PreferredHash = preferredHash
		id.SelfSignature.PreferredSymmetric = preferredSymmetric
		if err := id.SelfSignature.SignUserId(id.UserId.Id, e.PrimaryKey, e.PrivateKey, nil); err != nil {
			return nil, errors.Wrap(err, "signing identity")
		}
	}

	for _, sub := range e.Subkeys {
		if err := sub.Sig.SignKey(sub.PublicKey, e.PrivateKey, nil); err != nil {
			return nil, errors.Wrap(err, "signing subkey")
		}
	}

	return &Key{entity: e}, nil
}

// ParseKey reads the first key from binary or ASCII-armored data.
func ParseKey(data []byte) (*Key, error) {
	var el openpgp.EntityList
	var err error
	if bytes.HasPrefix(bytes.TrimSpace(data), []byte("-----BEGIN")) {
		el, err = openpgp.ReadArmoredKeyRing(bytes.NewReader(data))
	} else {
		el, err = openpgp.ReadKeyRing(bytes.NewReader(data))
	}

	if err != nil {
		return nil, errdefs.Malformed(errors.Wrap(err, "reading key"))
	}

	if len(el) == 0 {
		return nil, errdefs.Malformedf("no key found")
	}

	return &Key{entity: el[0]}, nil
}

func (k *Key) Fingerprint() string {
	return Fingerprint(k.entity.PrimaryKey)
}

func Fingerprint(pk *packet.PublicKey) string {
	return strings.ToUpper(hex.EncodeToString(pk.Fingerprint[:]))
}

// NormalizeFingerprint strips spaces and colons and upper-cases.
func NormalizeFingerprint(fpr string) string {
	r := strings.NewReplacer(" ", "", ":", "")
	return strings.ToUpper(r.Replace(fpr))
}

func (k *Key) HasPrivate() bool {
	return k.entity.PrivateKey != nil
}

// PublicBytes serialises the public half in binary form.
func (k *Key) PublicBytes() ([]byte, error) {
	buf := bytes.Buffer{}
	if err := k.entity.Serialize(&buf); err != nil {
		return nil, errors.Wrap(err, "serialising public key")
	}
	return buf.Bytes(), nil
}

func (k *Key) PrivateBytes() ([]byte, error) {
	if !k.HasPrivate() {
		return nil, errors.New("no private key")
	}

	buf := bytes.Buffer{}
	if err := k.entity.SerializePrivate(&buf, nil); err != nil {
		return nil, errors.Wrap(err, "serialising private key")
	}
	return buf.Bytes(), nil
}

// Public returns a copy of the key without private material.
func (k *Key) Public() (*Key, error) {
	b, err := k.PublicBytes()
	if err != nil {
		return nil, err
	}
	return ParseKey(b)
}
