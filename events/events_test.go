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

package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmitInOrder(t *testing.T) {
	b := NewBus(nil)
	a, unsubA := b.Subscribe(4)
	defer unsubA()
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	b.Emit(Event{Type: MessageReceived, MsgID: 1})
	b.Emit(Event{Type: MessageDelivered, MsgID: 2})

	for _, ch := range []<-chan Event{a, c} {
		ev := <-ch
		assert.Equal(t, MessageReceived, ev.Type)
		assert.False(t, ev.Time.IsZero())
		ev = <-ch
		assert.Equal(t, int64(2), ev.MsgID)
	}
}

func TestEmitNeverBlocks(t *testing.T) {
	b := NewBus(nil)
	ch, unsub := b.Subscribe(1)
	defer unsub()

	for i := 0; i < 10; i++ {
		b.Emit(Event{Type: Error})
	}

	assert.Len(t, ch, 1)
	assert.EqualValues(t, 9, b.Dropped())
}

func TestUnsubscribeCloses(t *testing.T) {
	b := NewBus(nil)
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()

	_, ok := <-ch
	assert.False(t, ok)

	b.Emit(Event{Type: Error})
	assert.Zero(t, b.Dropped())
}
