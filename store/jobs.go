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
	"encoding/json"
	"time"

	"github.com/vs49688/mailchat/model"
)

type jobRow struct {
	ID          int64  `db:"id"`
	Kind        int    `db:"kind"`
	MsgID       int64  `db:"msg_id"`
	Envelope    []byte `db:"envelope"`
	Attempts    int    `db:"attempts"`
	NextRetryAt int64  `db:"next_retry_at"`
	CreatedAt   int64  `db:"created_at"`
	LastError   string `db:"last_error"`
	Claimed     bool   `db:"claimed"`
}

func (r *jobRow) toModel() (*model.Job, error) {
	j := &model.Job{
		ID:          r.ID,
		Kind:        model.JobKind(r.Kind),
		MsgID:       r.MsgID,
		Attempts:    r.Attempts,
		NextRetryAt: fromMillis(r.NextRetryAt),
		CreatedAt:   fromMillis(r.CreatedAt),
		LastError:   r.LastError,
		Claimed:     r.Claimed,
	}

	if err := json.Unmarshal(r.Envelope, &j.Envelope); err != nil {
		return nil, wrap(err, "decoding job envelope")
	}
	return j, nil
}

func (tx *Tx) InsertJob(job *model.Job) (int64, error) {
	env, err := json.Marshal(&job.Envelope)
	if err != nil {
		return 0, wrap(err, "encoding job envelope")
	}

	res, err := tx.exec(`INSERT INTO jobs (kind, msg_id, envelope, attempts, next_retry_at, created_at)
		VALUES (?, ?, ?, 0, ?, ?)`,
		int(job.Kind), job.MsgID, env, millis(job.NextRetryAt), millis(job.CreatedAt))
	if err != nil {
		return 0, wrap(err, "inserting job")
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, wrap(err, "inserting job")
	}
	job.ID = id
	return id, nil
}

func (tx *Tx) Job(id int64) (*model.Job, error) {
	var r jobRow
	found, err := tx.get(&r, `SELECT * FROM jobs WHERE id = ?`, id)
	if err != nil {
		return nil, wrap(err, "looking up job")
	} else if !found {
		return nil, nil
	}
	return r.toModel()
}

// ClaimNextJob claims the oldest unclaimed job, in creation order, that is
// due at or before now and counts the attempt. It returns nil if nothing is
// ready.
func (tx *Tx) ClaimNextJob(now time.Time) (*model.Job, error) {
	var r jobRow
	found, err := tx.get(&r, `SELECT * FROM jobs
		WHERE claimed = 0 AND next_retry_at <= ?
		ORDER BY id LIMIT 1`, millis(now))
	if err != nil {
		return nil, wrap(err, "selecting next job")
	} else if !found {
		return nil, nil
	}

	if _, err := tx.exec(`UPDATE jobs SET claimed = 1, attempts = attempts + 1 WHERE id = ?`, r.ID); err != nil {
		return nil, wrap(err, "claiming job")
	}

	r.Claimed = true
	r.Attempts++
	return r.toModel()
}

// DeleteJob removes a job and reports whether it existed.
func (tx *Tx) DeleteJob(id int64) (bool, error) {
	res, err := tx.exec(`DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return false, wrap(err, "deleting job")
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, wrap(err, "deleting job")
	}
	return n > 0, nil
}

func (tx *Tx) RescheduleJob(id int64, at time.Time, lastError string) error {
	_, err := tx.exec(`UPDATE jobs SET claimed = 0, next_retry_at = ?, last_error = ? WHERE id = ?`,
		millis(at), lastError, id)
	return wrap(err, "rescheduling job")
}

// ReleaseJobs unclaims every job, returning how many were claimed. Used at
// startup to recover jobs whose sender died mid-attempt.
func (tx *Tx) ReleaseJobs() (int64, error) {
	res, err := tx.exec(`UPDATE jobs SET claimed = 0 WHERE claimed = 1`)
	if err != nil {
		return 0, wrap(err, "releasing jobs")
	}

	n, err := res.RowsAffected()
	return n, wrap(err, "releasing jobs")
}

// NextJobAt returns the earliest due time of any unclaimed job.
func (tx *Tx) NextJobAt() (time.Time, bool, error) {
	var at *int64
	if _, err := tx.get(&at, `SELECT MIN(next_retry_at) FROM jobs WHERE claimed = 0`); err != nil {
		return time.Time{}, false, wrap(err, "querying next job")
	}

	if at == nil {
		return time.Time{}, false, nil
	}
	return fromMillis(*at), true, nil
}

func (tx *Tx) CountJobs() (int, error) {
	var n int
	_, err := tx.get(&n, `SELECT COUNT(*) FROM jobs`)
	return n, wrap(err, "counting jobs")
}
