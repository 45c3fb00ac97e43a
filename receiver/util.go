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

package receiver

import (
	"context"
	"sort"
	"sync"

	"github.com/emersion/go-imap"
)

func readMessages(folder string, ch chan *imap.Message) ([]uint32, map[uint32]*Message) {
	// Sometimes we have dups
	unique := map[uint32]*Message{}
	for msg := range ch {
		if msg.Uid == 0 {
			continue
		}
		unique[msg.Uid] = convertMessage(folder, msg)
	}

	var uids []uint32
	for uid := range unique {
		uids = append(uids, uid)
	}

	sortUIDs(uids)
	return uids, unique
}

func sortUIDs(uids []uint32) {
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
}

// selectWindow picks the lowest limit UIDs above from. A search for "n:*"
// always matches the last message, even when its UID is below n.
func selectWindow(found []uint32, from uint32, limit int) ([]uint32, bool) {
	var uids []uint32
	for _, uid := range found {
		if uid > from {
			uids = append(uids, uid)
		}
	}

	sortUIDs(uids)

	if limit >= 0 && len(uids) > limit {
		return uids[:limit], true
	}
	return uids, false
}

// MemoryCursor keeps cursors in memory only.
type MemoryCursor struct {
	mu      sync.Mutex
	cursors map[string][2]uint32
}

func (c *MemoryCursor) LoadCursor(_ context.Context, folder string) (uint32, uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.cursors[folder]
	return v[0], v[1], nil
}

func (c *MemoryCursor) SaveCursor(_ context.Context, folder string, uidValidity uint32, lastUID uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cursors == nil {
		c.cursors = map[string][2]uint32{}
	}
	c.cursors[folder] = [2]uint32{uidValidity, lastUID}
	return nil
}
