// popsync
// Copyright 2025 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

package main

import (
	"context"
	"fmt"
	"time"

	"src.bluestatic.org/popsync/pkg/receivedmail"
	"src.bluestatic.org/popsync/pkg/receiver"

	"go.uber.org/zap"
)

type receiveFunc func(context.Context) ([]receiver.Fetched, error)

// Monitor periodically receives new mail into the store and forwards it to
// the Destination, if there is one.
type Monitor struct {
	c   MonitorConfig
	log *zap.Logger

	receive receiveFunc
	dst     Destination
	now     func() time.Time

	done chan struct{}
}

func NewMonitor(config MonitorConfig, r *receiver.Receiver, store *receivedmail.Store, dst Destination, log *zap.Logger) *Monitor {
	return newMonitor(config, func(ctx context.Context) ([]receiver.Fetched, error) {
		return r.Receive(ctx, store)
	}, dst, log)
}

func newMonitor(config MonitorConfig, receive receiveFunc, dst Destination, log *zap.Logger) *Monitor {
	return &Monitor{
		c:       config,
		log:     log.With(zap.String("component", "monitor")),
		receive: receive,
		dst:     dst,
		now:     time.Now,
		done:    make(chan struct{}),
	}
}

// Start polls once and, if that succeeds, keeps polling in the background
// until `ctx` is done.
func (m *Monitor) Start(ctx context.Context) error {
	if err := m.runOnce(ctx); err != nil {
		m.log.Error("Failed to start monitor", zap.Error(err))
		close(m.done)
		return err
	}

	go m.run(ctx)

	return nil
}

// Done is closed when the monitor has stopped.
func (m *Monitor) Done() <-chan struct{} {
	return m.done
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)
	t := time.NewTicker(m.c.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			m.log.Info("Monitor stopping")
			return
		case <-t.C:
			if err := m.runOnce(ctx); err != nil {
				m.log.Error("Poll failed", zap.Error(err))
			}
		}
	}
}

func (m *Monitor) runOnce(ctx context.Context) error {
	m.log.Info("Polling for messages")

	msgs, rerr := m.receive(ctx)
	if len(msgs) > 0 {
		m.log.Info("Received messages", zap.Int("count", len(msgs)))
	}

	// Messages fetched before a receive error were stored, so they are
	// forwarded as well.
	if err := m.forward(ctx, msgs); err != nil {
		if rerr != nil {
			m.log.Error("Failed to forward messages", zap.Error(err))
		} else {
			return err
		}
	}

	if rerr != nil {
		return fmt.Errorf("Failed to receive messages: %w", rerr)
	}
	return nil
}

func (m *Monitor) forward(ctx context.Context, msgs []receiver.Fetched) error {
	if m.dst == nil || len(msgs) == 0 {
		return nil
	}

	dstConn, err := m.dst.Connect(ctx)
	if err != nil {
		return fmt.Errorf("Failed to connect to dest: %w", err)
	}

	for _, msg := range msgs {
		log := m.log.With(zap.String("uid", msg.UID), zap.String("message-id", msg.Message.MessageID))
		log.Info("Transferring message to destination")
		content := append(getReceivedInfo(m.c, msg.UID, m.now()), msg.Message.Raw...)
		if err := dstConn.AddMessage(content); err != nil {
			log.Error("Failed to transfer message", zap.Error(err))
		} else {
			log.Info("Successfully transferred message")
		}
	}

	if err := dstConn.Close(); err != nil {
		return fmt.Errorf("Failed to close dest: %w", err)
	}
	return nil
}

func getReceivedInfo(cfg MonitorConfig, uid string, t time.Time) []byte {
	line := fmt.Sprintf(
		"Received: from pop3 (uid %s) by popsync\r\n        for <%s> (via %s); %s\r\n",
		uid, cfg.Destination.Email, cfg.Destination.Type,
		t.Format(time.RFC1123Z))
	return []byte(line)
}
