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

package scheduler

import (
	"context"

	log "github.com/sirupsen/logrus"
)

func (s *Scheduler) housekeeping(ctx context.Context) {
	defer s.wg.Done()

	ticker := s.clock.Ticker(s.cfg.HousekeepingInterval)
	defer ticker.Stop()

	for {
		s.housekeep(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) housekeep(ctx context.Context) {
	fields := log.Fields{}

	if s.cfg.Sessions != nil {
		n, err := s.cfg.Sessions.ExpireSessions(ctx)
		if err != nil && ctx.Err() == nil {
			s.log.WithError(err).Warn("housekeeping_expire_sessions_failed")
		}
		fields["sessions_expired"] = n
	}

	if s.cfg.Housekeeper != nil {
		n, err := s.cfg.Housekeeper.ExpireMessages(ctx)
		if err != nil && ctx.Err() == nil {
			s.log.WithError(err).Warn("housekeeping_expire_messages_failed")
		}
		fields["messages_expired"] = n

		pruned, err := s.cfg.Housekeeper.PruneSeen(ctx)
		if err != nil && ctx.Err() == nil {
			s.log.WithError(err).Warn("housekeeping_prune_seen_failed")
		}
		fields["seen_pruned"] = pruned
	}

	s.log.WithFields(fields).Trace("housekeeping_done")
}
