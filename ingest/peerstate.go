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

package ingest

import (
	log "github.com/sirupsen/logrus"
	"github.com/vs49688/mailchat/events"
	"github.com/vs49688/mailchat/mimemsg"
	"github.com/vs49688/mailchat/model"
	"github.com/vs49688/mailchat/pgp"
	"github.com/vs49688/mailchat/store"
)

// updatePeerState applies the sender's Autocrypt header. A header only
// replaces the stored key if its message is newer than the one the stored
// key came from, so the outcome does not depend on arrival order. Equal
// timestamps are broken by fingerprint. Any header carrying a key other
// than the verified one clears the verified flag, stale or not.
func (p *Pipeline) updatePeerState(tx *store.Tx, in *ingestion) error {
	ps := in.peer
	if ps == nil {
		if in.autocrypt == nil {
			return nil
		}
		ps = &model.PeerState{Addr: in.sender.Addr}
	}
	ps.ContactID = in.sender.ID

	if ps.LastSeen.Before(in.date) {
		ps.LastSeen = in.date
	}

	if ac := in.autocrypt; ac != nil {
		fpr := ac.Key.Fingerprint()

		replaced := false
		switch {
		case fpr == ps.Fingerprint:
			if in.date.After(ps.KeyTimestamp) {
				ps.KeyTimestamp = in.date
				ps.PreferEncrypt = ac.PreferEncrypt
			}
		case in.date.After(ps.KeyTimestamp) || (in.date.Equal(ps.KeyTimestamp) && fpr > ps.Fingerprint):
			if err := p.replaceKey(tx, in, ps, ac); err != nil {
				return err
			}
			replaced = true
		default:
			p.log.WithFields(in.fields()).WithField("fingerprint", fpr).Debug("ingest_stale_autocrypt")
		}

		if ps.Verified && fpr != ps.VerifiedFingerprint {
			if err := p.unverify(tx, in, ps, fpr, !replaced); err != nil {
				return err
			}
		}
	}

	if err := tx.PutPeerState(ps); err != nil {
		return err
	}
	in.peer = ps
	return nil
}

func (p *Pipeline) replaceKey(tx *store.Tx, in *ingestion, ps *model.PeerState, ac *pgp.Autocrypt) error {
	raw, err := ac.Key.PublicBytes()
	if err != nil {
		p.log.WithError(err).WithFields(in.fields()).Warn("ingest_bad_autocrypt_key")
		return nil
	}

	fpr := ac.Key.Fingerprint()
	changed := ps.Fingerprint != ""

	ps.PublicKey = raw
	ps.Fingerprint = fpr
	ps.KeyTimestamp = in.date
	ps.PreferEncrypt = ac.PreferEncrypt

	event := model.PeerEventKeyLearned
	if changed {
		event = model.PeerEventKeyChanged
	}
	if err := tx.AppendPeerEvent(ps.Addr, fpr, event, in.mid, in.date); err != nil {
		return err
	}

	if changed {
		in.emit(events.Event{Type: events.ContactKeyChanged, ContactID: in.sender.ID, Detail: fpr})
		p.log.WithFields(in.fields()).WithFields(log.Fields{
			"addr":        ps.Addr,
			"fingerprint": fpr,
		}).Info("ingest_key_changed")
	}
	return nil
}

// unverify clears the verified flag after a foreign key was announced. The
// key change event is emitted here only if replaceKey did not already.
func (p *Pipeline) unverify(tx *store.Tx, in *ingestion, ps *model.PeerState, fpr string, emit bool) error {
	ps.Verified = false
	if err := tx.AppendPeerEvent(ps.Addr, fpr, model.PeerEventUnverified, "key changed", in.date); err != nil {
		return err
	}

	if emit {
		in.emit(events.Event{Type: events.ContactKeyChanged, ContactID: in.sender.ID, Detail: fpr})
	}

	p.log.WithFields(in.fields()).WithFields(log.Fields{
		"addr":        ps.Addr,
		"fingerprint": fpr,
		"verified":    ps.VerifiedFingerprint,
	}).Warn("ingest_verification_lost")
	return nil
}

// applyGossip records keys gossiped about the other recipients. A verified
// message in a verified group also vouches for them, making them verified.
func (p *Pipeline) applyGossip(tx *store.Tx, in *ingestion) error {
	if in.fromSelf || !in.decrypted {
		return nil
	}

	values := in.parsed.Values(pgp.HeaderAutocryptGossip)
	if len(values) == 0 {
		return nil
	}

	recipients := make(map[string]struct{}, len(in.parsed.To))
	for _, a := range in.parsed.To {
		recipients[store.NormalizeAddr(a.Address)] = struct{}{}
	}

	self := store.NormalizeAddr(p.self.Addr)
	vouch := in.encryption == model.EncryptionVerified && in.parsed.Get(mimemsg.HeaderChatVerified) == "1"

	for _, v := range values {
		ac, err := pgp.ParseAutocrypt(v)
		if err != nil {
			p.log.WithError(err).WithFields(in.fields()).Warn("ingest_bad_gossip")
			continue
		}

		addr := store.NormalizeAddr(ac.Addr)
		if _, ok := recipients[addr]; !ok || addr == self || addr == in.sender.Addr {
			continue
		}

		if err := p.gossipPeer(tx, in, addr, ac, vouch); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) gossipPeer(tx *store.Tx, in *ingestion, addr string, ac *pgp.Autocrypt, vouch bool) error {
	c, err := tx.UpsertContact(addr, "", in.now)
	if err != nil {
		return err
	}

	ps, err := tx.PeerState(addr)
	if err != nil {
		return err
	} else if ps == nil {
		ps = &model.PeerState{Addr: addr}
	}
	ps.ContactID = c.ID

	raw, err := ac.Key.PublicBytes()
	if err != nil {
		return nil
	}
	fpr := ac.Key.Fingerprint()

	if fpr != ps.GossipFingerprint && !in.date.Before(ps.GossipTimestamp) {
		ps.GossipKey = raw
		ps.GossipFingerprint = fpr
		ps.GossipTimestamp = in.date
		if err := tx.AppendPeerEvent(addr, fpr, model.PeerEventGossipLearnt, in.sender.Addr, in.date); err != nil {
			return err
		}
	}

	// A vouch never overrides a key the peer announced itself.
	if vouch && !ps.Verified && (ps.Fingerprint == "" || ps.Fingerprint == fpr) {
		if ps.Fingerprint == "" {
			ps.PublicKey = raw
			ps.Fingerprint = fpr
			ps.KeyTimestamp = in.date
		}

		ps.Verified = true
		ps.VerifiedKey = raw
		ps.VerifiedFingerprint = fpr
		ps.VerifierID = in.sender.ID

		if err := tx.AppendPeerEvent(addr, fpr, model.PeerEventGossipVouch, in.sender.Addr, in.date); err != nil {
			return err
		}

		in.emit(events.Event{Type: events.ContactVerified, ContactID: c.ID, Detail: "gossip from " + in.sender.Addr})
	}

	return tx.PutPeerState(ps)
}
