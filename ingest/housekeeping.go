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
	"context"

	log "github.com/sirupsen/logrus"
	"github.com/vs49688/mailchat/store"
)

// ExpireMessages deletes messages whose ephemeral deadline has passed.
// Their Message-IDs stay in the dedup table, so they are not re-ingested.
func (p *Pipeline) ExpireMessages(ctx context.Context) (int, error) {
	var n int
	err := p.store.Transact(ctx, func(tx *store.Tx) error {
		ids, err := tx.ExpiredMessages(p.clock.Now())
		if err != nil {
			return err
		}

		for _, id := range ids {
			if err := tx.DeleteMessage(id); err != nil {
				return err
			}
		}
		n = len(ids)
		return nil
	})

	if err == nil && n > 0 {
		p.log.WithField("count", n).Info("ingest_messages_expired")
	}
	return n, err
}

// PruneSeen forgets Message-IDs older than the dedup horizon.
func (p *Pipeline) PruneSeen(ctx context.Context) (int64, error) {
	var n int64
	err := p.store.Transact(ctx, func(tx *store.Tx) (err error) {
		n, err = tx.PruneSeen(p.clock.Now().Add(-p.dedupHorizon))
		return
	})

	if err == nil && n > 0 {
		p.log.WithFields(log.Fields{"count": n, "horizon": p.dedupHorizon}).Debug("ingest_seen_pruned")
	}
	return n, err
}
