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

// Package scheduler keeps an account's folder watchers and its sender loop
// running. Every watcher feeds one tick loop, which hands messages to the
// ingestion pipeline and routes the results back as acks.
package scheduler

import (
	"context"
	"reflect"

	"github.com/benbjohnson/clock"
	log "github.com/sirupsen/logrus"
	"github.com/vs49688/mailchat/events"
	"github.com/vs49688/mailchat/imap"
	"github.com/vs49688/mailchat/imap/persistentclient"
	"github.com/vs49688/mailchat/ingest"
	"github.com/vs49688/mailchat/receiver"
)

// New starts the tick loop, the sender loop (if a queue and transport are
// configured) and housekeeping. Folders are added with Start.
func New(cfg *Config) *Scheduler {
	s := &Scheduler{
		cfg:     *cfg,
		events:  cfg.Events,
		clock:   cfg.Clock,
		log:     cfg.Logger,
		control: make(chan FolderSpec),
		quit:    make(chan struct{}),
	}

	if s.events == nil {
		s.events = events.Discard{}
	}
	if s.clock == nil {
		s.clock = clock.New()
	}
	if s.log == nil {
		s.log = log.NewEntry(log.StandardLogger())
	}
	if s.cfg.HousekeepingInterval <= 0 {
		s.cfg.HousekeepingInterval = DefaultHousekeepingInterval
	}
	if s.cfg.FolderRetryInterval <= 0 {
		s.cfg.FolderRetryInterval = DefaultFolderRetryInterval
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.rebuildCases()

	s.wg.Add(1)
	go s.tick()

	if s.cfg.Queue != nil && s.cfg.Transport != nil {
		s.wg.Add(1)
		go s.runSender(s.ctx)
	}

	s.wg.Add(1)
	go s.housekeeping(s.ctx)

	return s
}

// Start begins watching a folder and returns immediately. Failures are
// logged and retried, never returned.
func (s *Scheduler) Start(spec FolderSpec) {
	select {
	case s.control <- spec:
	case <-s.quit:
		s.log.WithField("folder", spec.Name).Debug("scheduler_start_after_stop")
	}
}

// Stop closes every watcher and waits for all loops to exit.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.log.Trace("scheduler_stop_requested")
		close(s.quit)
		s.cancel()
	})
	s.wg.Wait()
	s.log.Trace("scheduler_stopped")
}

// factoryFor returns the connection factory of a folder. Persistent
// connections report their state as connectivity events.
func (s *Scheduler) factoryFor(name string) imap.Factory {
	var pf persistentclient.Factory

	switch f := s.cfg.Factory.(type) {
	case nil:
		pf.MaxDelay = s.cfg.MaxReconnectDelay
	case *persistentclient.Factory:
		pf = *f
	default:
		return f
	}

	if pf.Limiter == nil {
		pf.Limiter = s.cfg.Limiter
	}
	if pf.Logger == nil {
		pf.Logger = s.log
	}

	next := pf.OnStateChange
	pf.OnStateChange = func(state persistentclient.ClientState, err error) {
		s.events.Emit(events.Event{
			Type:   events.ConnectivityChanged,
			Time:   s.clock.Now(),
			Folder: name,
			Detail: state.String(),
			Err:    err,
		})
		if next != nil {
			next(state, err)
		}
	}
	return &pf
}

func (s *Scheduler) startFolder(spec FolderSpec) {
	logger := s.log.WithField("folder", spec.Name)

	for _, f := range s.folders {
		if f.spec.Name == spec.Name {
			logger.Debug("scheduler_folder_already_running")
			return
		}
	}

	window := spec.WindowSize
	if window == 0 {
		window = receiver.DefaultWindowSize
	}

	conn := s.cfg.Connection
	conn.Mailbox = spec.Name

	out := make(chan *receiver.Message, window)
	recv, err := receiver.NewReceiver(&receiver.Config{
		ConnectionConfig:     conn,
		Factory:              s.factoryFor(spec.Name),
		Cursor:               s.cfg.Cursor,
		Channel:              out,
		IDLEFallbackInterval: s.cfg.IDLEFallbackInterval,
		FetchMaxInterval:     s.cfg.FetchMaxInterval,
		WindowSize:           window,
		BatchSize:            s.cfg.BatchSize,
		DisableDeletions:     s.cfg.DisableDeletions,
		Limiter:              s.cfg.Limiter,
		Logger:               s.log,
	})

	if err != nil {
		logger.WithError(err).WithField("retry_in", s.cfg.FolderRetryInterval).Error("scheduler_folder_start_failed")
		s.events.Emit(events.Event{Type: events.Error, Time: s.clock.Now(), Folder: spec.Name, Err: err})
		s.clock.AfterFunc(s.cfg.FolderRetryInterval, func() { s.Start(spec) })
		return
	}

	s.folders = append(s.folders, &folder{
		spec:     spec,
		receiver: recv,
		out:      out,
		// Each watcher has at most window messages in flight, so the
		// pipeline never blocks on this.
		ingested: make(chan ingest.Response, window),
	})
	s.rebuildCases()

	logger.Info("scheduler_folder_started")
}

// rebuildCases lays out the select cases as
// [quit, control, recv_0..recv_n, ingest_0..ingest_n].
func (s *Scheduler) rebuildCases() {
	n := len(s.folders)
	s.cases = make([]reflect.SelectCase, 2+2*n)

	s.cases[0] = reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(s.quit)}
	s.cases[1] = reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(s.control)}

	s.recvBaseOffset = 2
	for i, f := range s.folders {
		s.cases[s.recvBaseOffset+i] = reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(f.out)}
	}

	s.ingestBaseOffset = s.recvBaseOffset + n
	for i, f := range s.folders {
		s.cases[s.ingestBaseOffset+i] = reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(f.ingested)}
	}
}

func (s *Scheduler) handleIncoming(f *folder, msg *receiver.Message) {
	s.log.WithFields(log.Fields{
		"folder": msg.Folder,
		"uid":    msg.UID,
	}).Trace("scheduler_handle_incoming")

	err := s.cfg.Pipeline.IngestMessage(&ingest.RawMessage{
		Folder:     msg.Folder,
		UID:        msg.UID,
		Flags:      msg.Flags,
		Body:       msg.Body,
		ReceivedAt: msg.InternalDate,
	}, f.ingested)

	if err != nil {
		f.receiver.Ack(msg.UID, false, err)
	}
}

func (s *Scheduler) handleIngested(f *folder, r ingest.Response) {
	remove := r.Error == nil && r.Result != nil && r.Result.Disposition == ingest.DispositionDelete
	f.receiver.Ack(r.UID, remove, r.Error)
}

func (s *Scheduler) tick() {
	defer s.wg.Done()

	for {
		chosen, val, ok := reflect.Select(s.cases)

		if chosen == 0 || !ok {
			s.log.Trace("exit_requested")
			break
		} else if chosen == 1 {
			s.startFolder(val.Interface().(FolderSpec))
		} else if chosen >= s.recvBaseOffset && chosen < s.ingestBaseOffset {
			f := s.folders[chosen-s.recvBaseOffset]
			s.handleIncoming(f, val.Interface().(*receiver.Message))
		} else if chosen >= s.ingestBaseOffset && chosen < len(s.cases) {
			f := s.folders[chosen-s.ingestBaseOffset]
			s.handleIngested(f, val.Interface().(ingest.Response))
		} else {
			panic("unhandled select case")
		}
	}

	s.closeFolders()
}

func (s *Scheduler) closeFolders() {
	ch := make(chan struct{}, len(s.folders))
	for _, f := range s.folders {
		go func(f *folder) {
			f.receiver.Close()
			ch <- struct{}{}
		}(f)
	}

	for range s.folders {
		<-ch
	}

	s.folders = nil
}
