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
	"bytes"
	"io"
	"io/ioutil"

	"github.com/pkg/errors"
	"github.com/vs49688/mailchat/errdefs"
	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/armor"
	"golang.org/x/crypto/openpgp/packet"

	// Keys without hash preferences imply RIPEMD160.
	_ "golang.org/x/crypto/ripemd160"
)

// Result describes a decrypted payload.
type Result struct {
	Plaintext []byte
	Signed    bool
	// SignatureValid is set only if the signature verified against one
	// of the supplied sender keys.
	SignatureValid    bool
	SignerFingerprint string
}

// Adapter is the boundary between the chat core and OpenPGP.
type Adapter interface {
	DecryptAndVerify(ciphertext []byte, recipient *Key, senders []*Key) (*Result, error)
	EncryptAndSign(plaintext []byte, recipients []*Key, signer *Key) ([]byte, error)
}

type OpenPGP struct {
	Config *packet.Config
}

func (o *OpenPGP) DecryptAndVerify(ciphertext []byte, recipient *Key, senders []*Key) (*Result, error) {
	if recipient == nil || !recipient.HasPrivate() {
		return nil, errors.New("no decryption key")
	}

	var r io.Reader = bytes.NewReader(ciphertext)
	if bytes.HasPrefix(bytes.TrimSpace(ciphertext), []byte("-----BEGIN PGP MESSAGE")) {
		block, err := armor.Decode(r)
		if err != nil {
			return nil, errdefs.Malformed(errors.Wrap(err, "decoding armor"))
		}
		r = block.Body
	}

	keyring := openpgp.EntityList{recipient.entity}
	for _, k := range senders {
		if k != nil {
			keyring = append(keyring, k.entity)
		}
	}

	md, err := openpgp.ReadMessage(r, keyring, nil, o.Config)
	if err != nil {
		return nil, errdefs.Crypto(errors.Wrap(err, "decrypting message"))
	}

	if !md.IsEncrypted {
		return nil, errdefs.Cryptof("message is not encrypted")
	}

	plaintext, err := ioutil.ReadAll(md.UnverifiedBody)
	if err != nil {
		return nil, errdefs.Crypto(errors.Wrap(err, "reading decrypted body"))
	}

	// The signature is only checked once the body has been read in full.
	res := &Result{Plaintext: plaintext, Signed: md.IsSigned}
	if md.IsSigned && md.SignedBy != nil && md.SignatureError == nil {
		res.SignatureValid = true
		res.SignerFingerprint = Fingerprint(md.SignedBy.Entity.PrimaryKey)
	}

	return res, nil
}

func (o *OpenPGP) EncryptAndSign(plaintext []byte, recipients []*Key, signer *Key) ([]byte, error) {
	if len(recipients) == 0 {
		return nil, errors.New("no recipients")
	}

	to := make([]*openpgp.Entity, 0, len(recipients))
	for _, k := range recipients {
		to = append(to, k.entity)
	}

	var signed *openpgp.Entity
	if signer != nil {
		signed = signer.entity
	}

	buf := bytes.Buffer{}
	w, err := armor.Encode(&buf, "PGP MESSAGE", nil)
	if err != nil {
		return nil, errors.Wrap(err, "encoding armor")
	}

	pw, err := openpgp.Encrypt(w, to, signed, nil, o.Config)
	if err != nil {
		return nil, errors.Wrap(err, "encrypting")
	}

	if _, err := pw.Write(plaintext); err != nil {
		return nil, errors.Wrap(err, "encrypting")
	}

	if err := pw.Close(); err != nil {
		return nil, errors.Wrap(err, "encrypting")
	}

	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "encoding armor")
	}

	return buf.Bytes(), nil
}
