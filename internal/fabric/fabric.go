// Copyright 2024 The UberFuzz Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package fabric implements the master's three brokerless messaging roles
// (spec §4.4): a bound PULL socket for inbound interesting-input
// notifications, a bound PUB socket for outbound use-input assignments,
// and one connected REQ socket per peer driver for synchronous metric
// queries.
//
// The pack carries no ZeroMQ binding for Go; this package is grounded
// directly on original_source/master/src/master.rs, which binds exactly
// these three zmq.Socket roles over tcp://. github.com/go-zeromq/zmq4 is a
// pure-Go (no cgo) implementation of the same ZMTP wire concept, chosen so
// the rest of this module stays cgo-free like its teacher. See DESIGN.md.
package fabric

import (
	"context"
	"fmt"

	"github.com/go-zeromq/zmq4"
	"go.uber.org/multierr"

	"github.com/acidghost/uberfuzz2/internal/messages"
)

// bindAddr and connAddr mirror spec §4.4's loopback TCP scheme exactly
// (BIND_ADDR "tcp://*", CONN_ADDR "tcp://localhost" in the original).
const (
	bindAddr = "tcp://*"
	connAddr = "tcp://localhost"
)

// pullBacklog bounds how many undelivered interesting-input messages the
// background reader pump below may buffer before it starts applying
// backpressure to the sender; drivers are cooperative and polled every
// ~10ms, so this is generous headroom rather than a hard design limit.
const pullBacklog = 256

// Fabric owns the sockets for one master run.
type Fabric struct {
	pull zmq4.Socket
	pub  zmq4.Socket
	reqs map[string]zmq4.Socket

	pullMsgs chan zmq4.Msg
	pullErrs chan error
	closed   chan struct{}
}

// New binds the pull and publish sockets on the given ports. Bind failure
// is a StartupError per spec §7.
func New(ctx context.Context, interestingPort, usePort uint16) (*Fabric, error) {
	f := &Fabric{
		reqs:     make(map[string]zmq4.Socket),
		pullMsgs: make(chan zmq4.Msg, pullBacklog),
		pullErrs: make(chan error, 1),
		closed:   make(chan struct{}),
	}

	f.pull = zmq4.NewPull(ctx)
	pullAddr := fmt.Sprintf("%s:%d", bindAddr, interestingPort)
	if err := f.pull.Listen(pullAddr); err != nil {
		return nil, fmt.Errorf("fabric: binding interesting socket to %s: %w", pullAddr, err)
	}

	f.pub = zmq4.NewPub(ctx)
	pubAddr := fmt.Sprintf("%s:%d", bindAddr, usePort)
	if err := f.pub.Listen(pubAddr); err != nil {
		f.pull.Close()
		return nil, fmt.Errorf("fabric: binding use socket to %s: %w", pubAddr, err)
	}

	go f.pumpPull()

	return f, nil
}

// pumpPull runs on its own goroutine for the lifetime of the Fabric,
// continuously performing the only blocking Recv on the pull socket and
// depositing results on a channel. PullInteresting below only ever does a
// non-blocking read of that channel, which is what preserves the
// orchestration loop's single-threaded, non-blocking poll model (spec
// §5): the pump goroutine touches no state shared with the main loop
// except this channel.
func (f *Fabric) pumpPull() {
	for {
		msg, err := f.pull.Recv()
		if err != nil {
			select {
			case f.pullErrs <- err:
			case <-f.closed:
			}
			return
		}
		select {
		case f.pullMsgs <- msg:
		case <-f.closed:
			return
		}
	}
}

// ConnectPeer connects the per-peer REQ socket used to query fuzzerID's
// metric for a coverage artifact. Connect failure is a StartupError.
func (f *Fabric) ConnectPeer(ctx context.Context, fuzzerID string, metricPort uint16) error {
	sock := zmq4.NewReq(ctx)
	addr := fmt.Sprintf("%s:%d", connAddr, metricPort)
	if err := sock.Dial(addr); err != nil {
		return fmt.Errorf("fabric: connecting metric socket to %s for %s: %w", addr, fuzzerID, err)
	}
	f.reqs[fuzzerID] = sock
	return nil
}

// PullInteresting non-blockingly checks for one inbound interesting-input
// notification. ok is false when there is nothing to read right now (the
// "WouldBlock" case of spec §4.6, not an error); err is non-nil only on a
// genuine transport or parse failure, which is fatal to the loop.
func (f *Fabric) PullInteresting() (in messages.Interesting, ok bool, err error) {
	select {
	case msg := <-f.pullMsgs:
		in, err = messages.ParseInteresting(firstFrame(msg))
		if err != nil {
			return messages.Interesting{}, false, err
		}
		return in, true, nil
	case err = <-f.pullErrs:
		return messages.Interesting{}, false, err
	default:
		return messages.Interesting{}, false, nil
	}
}

// PublishUse broadcasts a use-input assignment on the publish socket.
func (f *Fabric) PublishUse(u messages.Use) error {
	if err := f.pub.Send(zmq4.NewMsgString(u.String())); err != nil {
		return fmt.Errorf("fabric: publishing use message: %w", err)
	}
	return nil
}

// RequestMetric performs one strict send/recv round trip against peerID's
// metric socket. Per spec §4.4, no timeout is set: a stuck peer blocks
// this call, which is an accepted consequence of the cooperative-drivers
// assumption, and any transport failure here is fatal to the loop.
func (f *Fabric) RequestMetric(peerID string, req messages.ReqMetric) (messages.RepMetric, error) {
	sock, ok := f.reqs[peerID]
	if !ok {
		return messages.RepMetric{}, fmt.Errorf("fabric: no metric socket registered for %s", peerID)
	}
	if err := sock.Send(zmq4.NewMsgString(req.String())); err != nil {
		return messages.RepMetric{}, fmt.Errorf("fabric: sending metric request to %s: %w", peerID, err)
	}
	msg, err := sock.Recv()
	if err != nil {
		return messages.RepMetric{}, fmt.Errorf("fabric: receiving metric reply from %s: %w", peerID, err)
	}
	rep, err := messages.ParseRepMetric(firstFrame(msg))
	if err != nil {
		return messages.RepMetric{}, fmt.Errorf("fabric: parsing metric reply from %s: %w", peerID, err)
	}
	return rep, nil
}

func firstFrame(msg zmq4.Msg) string {
	if len(msg.Frames) == 0 {
		return ""
	}
	return string(msg.Frames[0])
}

// Close tears down every socket owned by the Fabric, aggregating any
// failures with multierr rather than stopping at the first one so
// shutdown always attempts to release everything it holds.
func (f *Fabric) Close() error {
	close(f.closed)

	var err error
	if f.pull != nil {
		err = multierr.Append(err, f.pull.Close())
	}
	if f.pub != nil {
		err = multierr.Append(err, f.pub.Close())
	}
	for id, sock := range f.reqs {
		if cerr := sock.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("closing metric socket for %s: %w", id, cerr))
		}
	}
	return err
}
