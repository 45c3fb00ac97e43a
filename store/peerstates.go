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

package store

import (
	"time"

	"github.com/vs49688/mailchat/model"
)

type peerStateRow struct {
	Addr                string `db:"addr"`
	ContactID           int64  `db:"contact_id"`
	PublicKey           []byte `db:"public_key"`
	Fingerprint         string `db:"fingerprint"`
	KeyTimestamp        int64  `db:"key_timestamp"`
	GossipKey           []byte `db:"gossip_key"`
	GossipFingerprint   string `db:"gossip_fingerprint"`
	GossipTimestamp     int64  `db:"gossip_timestamp"`
	LastSeen            int64  `db:"last_seen"`
	PreferEncrypt       int    `db:"prefer_encrypt"`
	Verified            bool   `db:"verified"`
	VerifiedKey         []byte `db:"verified_key"`
	VerifiedFingerprint string `db:"verified_fingerprint"`
	VerifierID          int64  `db:"verifier_id"`
}

func (r *peerStateRow) toModel() *model.PeerState {
	return &model.PeerState{
		Addr:                r.Addr,
		ContactID:           r.ContactID,
		PublicKey:           r.PublicKey,
		Fingerprint:         r.Fingerprint,
		KeyTimestamp:        fromMillis(r.KeyTimestamp),
		GossipKey:           r.GossipKey,
		GossipFingerprint:   r.GossipFingerprint,
		GossipTimestamp:     fromMillis(r.GossipTimestamp),
		LastSeen:            fromMillis(r.LastSeen),
		PreferEncrypt:       model.PreferEncrypt(r.PreferEncrypt),
		Verified:            r.Verified,
		VerifiedKey:         r.VerifiedKey,
		VerifiedFingerprint: r.VerifiedFingerprint,
		VerifierID:          r.VerifierID,
	}
}

func (tx *Tx) PeerState(addr string) (*model.PeerState, error) {
	var r peerStateRow
	found, err := tx.get(&r, `SELECT * FROM peerstates WHERE addr = ?`, NormalizeAddr(addr))
	if err != nil {
		return nil, wrap(err, "looking up peerstate")
	} else if !found {
		return nil, nil
	}
	return r.toModel(), nil
}

func (tx *Tx) PutPeerState(ps *model.PeerState) error {
	_, err := tx.exec(`INSERT INTO peerstates (
			addr, contact_id, public_key, fingerprint, key_timestamp,
			gossip_key, gossip_fingerprint, gossip_timestamp,
			last_seen, prefer_encrypt,
			verified, verified_key, verified_fingerprint, verifier_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (addr) DO UPDATE SET
			contact_id = excluded.contact_id,
			public_key = excluded.public_key,
			fingerprint = excluded.fingerprint,
			key_timestamp = excluded.key_timestamp,
			gossip_key = excluded.gossip_key,
			gossip_fingerprint = excluded.gossip_fingerprint,
			gossip_timestamp = excluded.gossip_timestamp,
			last_seen = excluded.last_seen,
			prefer_encrypt = excluded.prefer_encrypt,
			verified = excluded.verified,
			verified_key = excluded.verified_key,
			verified_fingerprint = excluded.verified_fingerprint,
			verifier_id = excluded.verifier_id`,
		NormalizeAddr(ps.Addr), ps.ContactID, ps.PublicKey, ps.Fingerprint, millis(ps.KeyTimestamp),
		ps.GossipKey, ps.GossipFingerprint, millis(ps.GossipTimestamp),
		millis(ps.LastSeen), int(ps.PreferEncrypt),
		boolInt(ps.Verified), ps.VerifiedKey, ps.VerifiedFingerprint, ps.VerifierID,
	)
	return wrap(err, "writing peerstate")
}

// AppendPeerEvent adds an entry to the append-only key history.
func (tx *Tx) AppendPeerEvent(addr string, fingerprint string, event string, detail string, ts time.Time) error {
	_, err := tx.exec(`INSERT INTO peerstate_history (addr, fingerprint, event, detail, timestamp)
		VALUES (?, ?, ?, ?, ?)`, NormalizeAddr(addr), fingerprint, event, detail, millis(ts))
	return wrap(err, "appending peerstate history")
}

type peerEventRow struct {
	ID          int64  `db:"id"`
	Addr        string `db:"addr"`
	Fingerprint string `db:"fingerprint"`
	Event       string `db:"event"`
	Detail      string `db:"detail"`
	Timestamp   int64  `db:"timestamp"`
}

func (tx *Tx) PeerHistory(addr string) ([]*model.PeerStateEvent, error) {
	var rows []peerEventRow
	err := tx.selectRows(&rows, `SELECT * FROM peerstate_history WHERE addr = ? ORDER BY id`, NormalizeAddr(addr))
	if err != nil {
		return nil, wrap(err, "reading peerstate history")
	}

	out := make([]*model.PeerStateEvent, 0, len(rows))
	for _, r := range rows {
		out = append(out, &model.PeerStateEvent{
			ID:          r.ID,
			Addr:        r.Addr,
			Fingerprint: r.Fingerprint,
			Event:       r.Event,
			Detail:      r.Detail,
			Timestamp:   fromMillis(r.Timestamp),
		})
	}
	return out, nil
}
