/*
Copyright 2023 Alexander Bartolomey (github@alexanderbartolomey.de)

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package ipfixfwd

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// DistributionMode selects how Dispatch fans packets out across connected
// destinations.
type DistributionMode int

const (
	// All sends every packet to every connected destination.
	All DistributionMode = iota
	// RoundRobin sends data to one destination per message, cycling
	// through the connected group, while still replicating templates to
	// every other connected destination.
	RoundRobin
)

func (m DistributionMode) String() string {
	if m == RoundRobin {
		return "round_robin"
	}
	return "all"
}

// destState is the lifecycle state of one destination, per §4.6.
type destState int

const (
	stateDisconnected destState = iota
	stateReady
	stateConnected
)

// destEntry pairs a Sender with the per-ODID sequence-number table
// tracked for it, per §4.4.4.
type destEntry struct {
	sender *Sender
	seq    map[uint32]uint32
}

func newDestEntry(s *Sender) *destEntry {
	return &destEntry{sender: s, seq: make(map[uint32]uint32)}
}

func (d *destEntry) nextSeq(odid uint32) uint32 {
	return d.seq[odid]
}

func (d *destEntry) advanceSeq(odid uint32, records int) {
	d.seq[odid] += uint32(records)
}

// DestinationManager holds every configured destination in exactly one of
// three groups (connected, disconnected, ready) under a single mutex, per
// §4.4. readyEmpty is a lock-free fast path so Dispatch's hot path can skip
// the promotion step entirely when no destination is awaiting template
// replay.
type DestinationManager struct {
	templates *Manager

	mu           sync.Mutex
	connected    []*destEntry
	disconnected []*destEntry
	ready        []*destEntry
	readyEmpty   atomic.Bool

	roundRobinCursor int

	// allDisconnectedWarned is edge-triggered: the "no destinations
	// connected" warning fires once per transition into that state, not on
	// every failed send.
	allDisconnectedWarned bool

	connectorCancel context.CancelFunc
	connectorDone   chan struct{}
}

// NewDestinationManager creates an empty manager bound to a template
// manager, used to replay templates to destinations as they reconnect.
func NewDestinationManager(templates *Manager) *DestinationManager {
	d := &DestinationManager{templates: templates}
	d.readyEmpty.Store(true)
	return d
}

// Add registers a new destination, starting in the disconnected group.
func (d *DestinationManager) Add(s *Sender) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disconnected = append(d.disconnected, newDestEntry(s))
	d.reportGroupSizes()
}

// StartConnector launches the background reconnector: a long-lived
// goroutine that sleeps for period, then attempts to connect every
// disconnected destination, cancellable via ctx.
func (d *DestinationManager) StartConnector(ctx context.Context, period time.Duration) {
	ctx, cancel := context.WithCancel(ctx)
	d.connectorCancel = cancel
	d.connectorDone = make(chan struct{})

	go func() {
		defer close(d.connectorDone)
		log := FromContext(ctx, "component", "destination_connector")
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				log.Info("stopping reconnector")
				return
			case <-ticker.C:
				d.Reconnect(ctx, false)
			}
		}
	}()
}

// StopConnector cancels the background reconnector and waits for it to
// exit.
func (d *DestinationManager) StopConnector() {
	if d.connectorCancel == nil {
		return
	}
	d.connectorCancel()
	<-d.connectorDone
	d.connectorCancel = nil
}

// Reconnect implements dest_reconnect: attempt connect() on every
// disconnected destination, promoting successes to ready. When verbose is
// true, a warning is logged for every destination still disconnected
// afterwards. Exposed directly (not just via StartConnector) for
// admin-triggered manual reconnection.
func (d *DestinationManager) Reconnect(ctx context.Context, verbose bool) {
	ReconnectAttemptsTotal.Inc()

	d.mu.Lock()
	candidates := append([]*destEntry(nil), d.disconnected...)
	d.mu.Unlock()

	var connected []*destEntry
	var stillDown []*destEntry
	for _, e := range candidates {
		if err := e.sender.Connect(ctx); err != nil {
			stillDown = append(stillDown, e)
			continue
		}
		connected = append(connected, e)
	}

	d.mu.Lock()
	d.disconnected = stillDown
	if len(connected) > 0 {
		d.ready = append(d.ready, connected...)
		d.readyEmpty.Store(false)
		ReconnectSuccessTotal.Add(float64(len(connected)))
	}
	d.reportGroupSizes()
	d.mu.Unlock()

	if verbose {
		log := FromContext(ctx)
		for _, e := range stillDown {
			log.V(1).Info("destination still disconnected", "destination", e.sender.label())
		}
	}
}

// promoteReady implements §4.4.2: replay live templates to every ready
// destination, promoting it to connected on success or demoting it back to
// disconnected on failure. Templates are stamped with an export time 10
// minutes in the past so the peer sees them as strictly preceding any live
// data, per the monotonic export-time ordering requirement.
func (d *DestinationManager) promoteReady(ctx context.Context) {
	if d.readyEmpty.Load() {
		return
	}

	odids := d.templates.ODIDs()
	replayTime := uint32(time.Now().Add(-10 * time.Minute).Unix())

	d.mu.Lock()
	pending := append([]*destEntry(nil), d.ready...)
	d.ready = d.ready[:0]
	d.mu.Unlock()

	if len(odids) == 0 {
		d.mu.Lock()
		d.connected = append(d.connected, pending...)
		d.readyEmpty.Store(len(d.ready) == 0)
		d.reportGroupSizes()
		d.mu.Unlock()
		return
	}

	replay := make([]*Builder, len(odids))
	for i, odid := range odids {
		b := NewBuilder()
		b.Start(odid, replayTime)
		for _, typ := range [...]TemplateType{Normal, Options} {
			for _, t := range d.templates.TemplatesOf(odid, typ) {
				_ = b.AddTemplate(t.Body, t.ID, t.Type)
			}
		}
		b.End(defaultReplayPacketSize)
		replay[i] = b
	}

	var promoted, demoted []*destEntry
	log := FromContext(ctx)
	for _, e := range pending {
		ok := true
		for _, b := range replay {
			if d.sendAllPackets(e, b, true) != sendDelivered {
				ok = false
				break
			}
		}
		if ok {
			promoted = append(promoted, e)
		} else {
			log.V(1).Info("template replay failed, demoting destination", "destination", e.sender.label())
			demoted = append(demoted, e)
		}
	}

	d.mu.Lock()
	d.connected = append(d.connected, promoted...)
	d.disconnected = append(d.disconnected, demoted...)
	d.readyEmpty.Store(len(d.ready) == 0)
	d.reportGroupSizes()
	d.mu.Unlock()
}

// defaultReplayPacketSize bounds template-replay packets; generous enough
// that a typical template set fits in one packet.
const defaultReplayPacketSize = 4096

// sendOutcome is the result of sendAllPackets: whether the destination
// accepted every packet, was merely busy (nothing wrong with the
// connection, just not ready for more data right now), or is gone.
type sendOutcome int

const (
	sendDelivered sendOutcome = iota
	sendBusy
	sendDisconnected
)

// sendAllPackets emits every packet in b to e.sender with the given
// required flag on the first packet; subsequent packets in the same
// builder are always required, per §4.4.4. A BUSY packet with
// required=false does not close the connection: it is reported as
// sendBusy so a caller dispatching to one of several destinations can
// try the next one instead of treating BUSY as delivered.
func (d *DestinationManager) sendAllPackets(e *destEntry, b *Builder, required bool) sendOutcome {
	odid := b.PacketODID()
	outcome := sendDelivered
	for i := 0; i < b.PacketCount(); i++ {
		req := required || i > 0
		seq := e.nextSeq(odid)
		iov, records, err := b.EmitAsIOVec(seq, i)
		if err != nil {
			continue
		}
		status, _ := e.sender.SendParts(iov, NonBlocking, req)
		SentPacketsTotal.WithLabelValues(e.sender.label(), status.String()).Inc()
		if status == StatusClosed {
			return sendDisconnected
		}
		if status == StatusOK {
			e.advanceSeq(odid, records)
		} else {
			outcome = sendBusy
		}
	}
	return outcome
}

// Dispatch implements §4.4.3: send builderAll/builderTemplates to
// connected destinations according to mode, after first promoting any
// ready destinations (§4.4.2).
func (d *DestinationManager) Dispatch(ctx context.Context, builderAll, builderTemplates *Builder, mode DistributionMode) {
	d.promoteReady(ctx)

	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.connected) == 0 {
		if !d.allDisconnectedWarned {
			FromContext(ctx).Info("no destinations connected")
			d.allDisconnectedWarned = true
		}
		return
	}
	d.allDisconnectedWarned = false

	switch mode {
	case RoundRobin:
		d.dispatchRoundRobin(ctx, builderAll, builderTemplates)
	default:
		d.dispatchAll(ctx, builderAll, builderTemplates)
	}
	d.reportGroupSizes()
}

func (d *DestinationManager) dispatchAll(ctx context.Context, builderAll, builderTemplates *Builder) {
	templateRequired := builderTemplates.PacketCount() > 0
	i := 0
	for i < len(d.connected) {
		e := d.connected[i]
		if d.sendAllPackets(e, builderAll, templateRequired) == sendDisconnected {
			d.demoteAt(i)
			continue
		}
		i++
	}
}

func (d *DestinationManager) dispatchRoundRobin(ctx context.Context, builderAll, builderTemplates *Builder) {
	if len(d.connected) == 0 {
		return
	}

	if builderTemplates.PacketCount() > 0 {
		attempts := 0
		delivered := false
		var primary *destEntry
		for attempts < len(d.connected) && !delivered {
			idx := d.roundRobinCursor % len(d.connected)
			e := d.connected[idx]
			// required=true here: SendParts never reports busy for a
			// required send, so any non-disconnected outcome is delivery.
			if d.sendAllPackets(e, builderAll, true) == sendDisconnected {
				d.demoteAt(idx)
			} else {
				primary = e
				delivered = true
				d.roundRobinCursor = (idx + 1) % len(d.connected)
			}
			attempts++
		}
		for _, e := range d.connected {
			if e == primary {
				continue
			}
			if d.sendAllPackets(e, builderTemplates, true) == sendDisconnected {
				d.demoteEntry(e)
			}
		}
		return
	}

	if len(d.connected) == 0 {
		return
	}
	attempts := 0
	for attempts < len(d.connected) {
		idx := d.roundRobinCursor % len(d.connected)
		e := d.connected[idx]
		switch d.sendAllPackets(e, builderAll, false) {
		case sendDelivered:
			d.roundRobinCursor = (idx + 1) % len(d.connected)
			return
		case sendDisconnected:
			d.demoteAt(idx)
		case sendBusy:
			// Nothing wrong with this destination, just not ready right
			// now: skip forward and try the next connected destination
			// within this same dispatch cycle instead of dropping the
			// message.
			d.roundRobinCursor = (idx + 1) % len(d.connected)
		}
		attempts++
	}
}

// demoteAt removes d.connected[idx] and moves it to disconnected. Caller
// must hold d.mu.
func (d *DestinationManager) demoteAt(idx int) {
	e := d.connected[idx]
	d.connected = append(d.connected[:idx], d.connected[idx+1:]...)
	d.disconnected = append(d.disconnected, e)
}

func (d *DestinationManager) demoteEntry(e *destEntry) {
	for i, c := range d.connected {
		if c == e {
			d.demoteAt(i)
			return
		}
	}
}

func (d *DestinationManager) reportGroupSizes() {
	DestinationsConnected.Set(float64(len(d.connected)))
	DestinationsDisconnected.Set(float64(len(d.disconnected)))
	DestinationsReady.Set(float64(len(d.ready)))
}
