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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/vs49688/mailchat/errdefs"
	"github.com/vs49688/mailchat/model"
	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/packet"
)

const testBits = 1024

func mustKey(t *testing.T, addr string) *Key {
	k, err := GenerateKey(addr, testBits)
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	return k
}

func mustPublic(t *testing.T, k *Key) *Key {
	pub, err := k.Public()
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	return pub
}

func TestKeyRoundTrip(t *testing.T) {
	k := mustKey(t, "alice@example.org")

	priv, err := k.PrivateBytes()
	if !assert.NoError(t, err) {
		t.FailNow()
	}

	k2, err := ParseKey(priv)
	if !assert.NoError(t, err) {
		t.FailNow()
	}

	assert.True(t, k2.HasPrivate())
	assert.Equal(t, k.Fingerprint(), k2.Fingerprint())
	assert.Len(t, k.Fingerprint(), 40)

	pub := mustPublic(t, k)
	assert.False(t, pub.HasPrivate())
	assert.Equal(t, k.Fingerprint(), pub.Fingerprint())
}

func TestParseKeyGarbage(t *testing.T) {
	_, err := ParseKey([]byte("not a key"))
	assert.True(t, errdefs.IsMalformed(err))
}

func TestEncryptDecrypt(t *testing.T) {
	alice := mustKey(t, "alice@example.org")
	bob := mustKey(t, "bob@example.org")
	o := &OpenPGP{}

	ct, err := o.EncryptAndSign([]byte("hello bob"), []*Key{mustPublic(t, bob)}, alice)
	if !assert.NoError(t, err) {
		t.FailNow()
	}

	res, err := o.DecryptAndVerify(ct, bob, []*Key{mustPublic(t, alice)})
	if !assert.NoError(t, err) {
		t.FailNow()
	}

	assert.Equal(t, "hello bob", string(res.Plaintext))
	assert.True(t, res.Signed)
	assert.True(t, res.SignatureValid)
	assert.Equal(t, alice.Fingerprint(), res.SignerFingerprint)
}

func TestGeneratedKeyAdvertisesPreferences(t *testing.T) {
	pub := mustPublic(t, mustKey(t, "alice@example.org"))

	id := pub.entity.PrimaryIdentity()
	if !assert.NotNil(t, id) {
		t.FailNow()
	}

	assert.Equal(t, preferredHash, id.SelfSignature.PreferredHash)
	assert.Equal(t, preferredSymmetric, id.SelfSignature.PreferredSymmetric)
}

func TestEncryptToKeyWithoutPreferences(t *testing.T) {
	alice := mustKey(t, "alice@example.org")

	// Other implementations may publish keys with no algorithm preferences.
	e, err := openpgp.NewEntity("", "", "legacy@example.org", &packet.Config{RSABits: testBits})
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	legacy := &Key{entity: e}
	assert.Empty(t, mustPublic(t, legacy).entity.PrimaryIdentity().SelfSignature.PreferredHash)

	o := &OpenPGP{}
	ct, err := o.EncryptAndSign([]byte("hello"), []*Key{mustPublic(t, legacy)}, alice)
	if !assert.NoError(t, err) {
		t.FailNow()
	}

	res, err := o.DecryptAndVerify(ct, legacy, []*Key{mustPublic(t, alice)})
	if !assert.NoError(t, err) {
		t.FailNow()
	}

	assert.Equal(t, []byte("hello"), res.Plaintext)
	assert.True(t, res.SignatureValid)
}

func TestDecryptUnknownSigner(t *testing.T) {
	alice := mustKey(t, "alice@example.org")
	mallory := mustKey(t, "alice@example.org")
	bob := mustKey(t, "bob@example.org")
	o := &OpenPGP{}

	ct, err := o.EncryptAndSign([]byte("trust me"), []*Key{mustPublic(t, bob)}, mallory)
	if !assert.NoError(t, err) {
		t.FailNow()
	}

	res, err := o.DecryptAndVerify(ct, bob, []*Key{mustPublic(t, alice)})
	if !assert.NoError(t, err) {
		t.FailNow()
	}

	assert.True(t, res.Signed)
	assert.False(t, res.SignatureValid)
	assert.Empty(t, res.SignerFingerprint)
}

func TestDecryptWrongRecipient(t *testing.T) {
	alice := mustKey(t, "alice@example.org")
	bob := mustKey(t, "bob@example.org")
	carol := mustKey(t, "carol@example.org")
	o := &OpenPGP{}

	ct, err := o.EncryptAndSign([]byte("for bob"), []*Key{mustPublic(t, bob)}, alice)
	if !assert.NoError(t, err) {
		t.FailNow()
	}

	_, err = o.DecryptAndVerify(ct, carol, nil)
	assert.True(t, errdefs.IsCrypto(err))
}

func TestAutocryptHeader(t *testing.T) {
	k := mustKey(t, "alice@example.org")

	v, err := (&Autocrypt{Addr: "alice@example.org", PreferEncrypt: model.PreferMutual, Key: k}).String()
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	assert.Contains(t, v, "prefer-encrypt=mutual")

	ac, err := ParseAutocrypt(v)
	if !assert.NoError(t, err) {
		t.FailNow()
	}

	assert.Equal(t, "alice@example.org", ac.Addr)
	assert.Equal(t, model.PreferMutual, ac.PreferEncrypt)
	assert.Equal(t, k.Fingerprint(), ac.Key.Fingerprint())
	assert.False(t, ac.Key.HasPrivate())
}

func TestAutocryptCriticalAttribute(t *testing.T) {
	_, err := ParseAutocrypt("addr=a@b; foo=bar; keydata=AAAA")
	assert.True(t, errdefs.IsMalformed(err))

	_, err = ParseAutocrypt("addr=a@b")
	assert.True(t, errdefs.IsMalformed(err))
}

func TestNormalizeFingerprint(t *testing.T) {
	assert.Equal(t, "ABCD12", NormalizeFingerprint("ab:cd 12"))
}
