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

type sessionRow struct {
	ID           int64  `db:"id"`
	Role         int    `db:"role"`
	State        int    `db:"state"`
	ContactID    int64  `db:"contact_id"`
	Addr         string `db:"addr"`
	Fingerprint  string `db:"fingerprint"`
	Token        string `db:"token"`
	GrpID        string `db:"grpid"`
	GroupName    string `db:"group_name"`
	RequestMsgID int64  `db:"request_msg_id"`
	Error        string `db:"error"`
	CreatedAt    int64  `db:"created_at"`
	UpdatedAt    int64  `db:"updated_at"`
	ExpiresAt    int64  `db:"expires_at"`
}

func (r *sessionRow) toModel() *model.SecureJoinSession {
	return &model.SecureJoinSession{
		ID:           r.ID,
		Role:         model.JoinRole(r.Role),
		State:        model.JoinState(r.State),
		ContactID:    r.ContactID,
		Addr:         r.Addr,
		Fingerprint:  r.Fingerprint,
		Token:        r.Token,
		GrpID:        r.GrpID,
		GroupName:    r.GroupName,
		RequestMsgID: r.RequestMsgID,
		Error:        r.Error,
		CreatedAt:    fromMillis(r.CreatedAt),
		UpdatedAt:    fromMillis(r.UpdatedAt),
		ExpiresAt:    fromMillis(r.ExpiresAt),
	}
}

func sessionsToModel(rows []sessionRow) []*model.SecureJoinSession {
	out := make([]*model.SecureJoinSession, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out
}

func (tx *Tx) InsertSession(s *model.SecureJoinSession) (int64, error) {
	res, err := tx.exec(`INSERT INTO securejoin_sessions (
			role, state, contact_id, addr, fingerprint, token, grpid, group_name,
			request_msg_id, error, created_at, updated_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		int(s.Role), int(s.State), s.ContactID, NormalizeAddr(s.Addr), s.Fingerprint, s.Token, s.GrpID, s.GroupName,
		s.RequestMsgID, s.Error, millis(s.CreatedAt), millis(s.UpdatedAt), millis(s.ExpiresAt))
	if err != nil {
		return 0, wrap(err, "inserting securejoin session")
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, wrap(err, "inserting securejoin session")
	}
	s.ID = id
	return id, nil
}

// UpdateSession writes back the mutable fields of a session.
func (tx *Tx) UpdateSession(s *model.SecureJoinSession) error {
	_, err := tx.exec(`UPDATE securejoin_sessions SET
			state = ?, contact_id = ?, addr = ?, fingerprint = ?,
			request_msg_id = ?, error = ?, updated_at = ?, expires_at = ?
		WHERE id = ?`,
		int(s.State), s.ContactID, NormalizeAddr(s.Addr), s.Fingerprint,
		s.RequestMsgID, s.Error, millis(s.UpdatedAt), millis(s.ExpiresAt), s.ID)
	return wrap(err, "updating securejoin session")
}

func (tx *Tx) Session(id int64) (*model.SecureJoinSession, error) {
	var r sessionRow
	found, err := tx.get(&r, `SELECT * FROM securejoin_sessions WHERE id = ?`, id)
	if err != nil {
		return nil, wrap(err, "looking up securejoin session")
	} else if !found {
		return nil, nil
	}
	return r.toModel(), nil
}

// InviteByToken returns the invite session advertising token, or nil.
func (tx *Tx) InviteByToken(token string) (*model.SecureJoinSession, error) {
	var r sessionRow
	found, err := tx.get(&r, `SELECT * FROM securejoin_sessions
		WHERE token = ? AND role = ? AND contact_id = 0
		ORDER BY id DESC LIMIT 1`, token, int(model.RoleScanned))
	if err != nil {
		return nil, wrap(err, "looking up invite")
	} else if !found {
		return nil, nil
	}
	return r.toModel(), nil
}

// ContactSession returns the newest session with a contact in a role.
func (tx *Tx) ContactSession(contactID int64, role model.JoinRole) (*model.SecureJoinSession, error) {
	var r sessionRow
	found, err := tx.get(&r, `SELECT * FROM securejoin_sessions
		WHERE contact_id = ? AND role = ?
		ORDER BY id DESC LIMIT 1`, contactID, int(role))
	if err != nil {
		return nil, wrap(err, "looking up securejoin session")
	} else if !found {
		return nil, nil
	}
	return r.toModel(), nil
}

// SessionByRequest returns the session waiting for delivery of msgID.
func (tx *Tx) SessionByRequest(msgID int64) (*model.SecureJoinSession, error) {
	var r sessionRow
	found, err := tx.get(&r, `SELECT * FROM securejoin_sessions
		WHERE request_msg_id = ? ORDER BY id DESC LIMIT 1`, msgID)
	if err != nil {
		return nil, wrap(err, "looking up securejoin session")
	} else if !found {
		return nil, nil
	}
	return r.toModel(), nil
}

// ExpiredSessions returns non-terminal contact sessions past their deadline.
func (tx *Tx) ExpiredSessions(now time.Time) ([]*model.SecureJoinSession, error) {
	var rows []sessionRow
	err := tx.selectRows(&rows, `SELECT * FROM securejoin_sessions
		WHERE state < ? AND expires_at <= ? ORDER BY id`, int(model.JoinVerified), millis(now))
	if err != nil {
		return nil, wrap(err, "listing expired sessions")
	}
	return sessionsToModel(rows), nil
}

func (tx *Tx) Sessions() ([]*model.SecureJoinSession, error) {
	var rows []sessionRow
	if err := tx.selectRows(&rows, `SELECT * FROM securejoin_sessions ORDER BY id`); err != nil {
		return nil, wrap(err, "listing sessions")
	}
	return sessionsToModel(rows), nil
}
