package goble

import (
	"context"
	"fmt"
	"sync"

	ble "github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/obdble/internal/groutine"
	"github.com/srg/obdble/internal/platform"
)

// WriteChunkSize is the largest payload written in one GATT write. It fits
// the default ATT MTU.
const WriteChunkSize = 20

// opBacklog bounds queued GATT operations per peripheral.
const opBacklog = 64

// peripheral owns one connection. GATT operations run on its worker
// goroutine in submission order.
type peripheral struct {
	c      *Central
	id     platform.PeripheralID
	logger *logrus.Entry

	ops  chan func()
	done chan struct{}

	ctx       context.Context
	cancelCtx context.CancelCauseFunc
	once      sync.Once

	// Only touched on the worker.
	client   gattClient
	services map[string]*ble.Service
	chars    map[string]*ble.Characteristic
}

func newPeripheral(c *Central, id platform.PeripheralID) *peripheral {
	ctx, cancel := context.WithCancelCause(c.ctx)
	return &peripheral{
		c:         c,
		id:        id,
		logger:    c.logger.WithField("device", id),
		ops:       make(chan func(), opBacklog),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancelCtx: cancel,
		services:  make(map[string]*ble.Service),
		chars:     make(map[string]*ble.Characteristic),
	}
}

func (p *peripheral) start() {
	groutine.GoLogged(p.ctx, p.c.logger, "ble-peripheral-"+string(p.id), p.run)
}

// do queues op on the worker. Ops queued after the connection ended are
// dropped.
func (p *peripheral) do(op func()) {
	select {
	case <-p.ctx.Done():
		p.logger.Debug("Dropping GATT operation on closed connection")
	case p.ops <- op:
	}
}

// cancel ends the connection. A nil cause is a requested disconnect.
func (p *peripheral) cancel(cause error) {
	if cause == nil {
		cause = context.Canceled
	}
	p.cancelCtx(cause)
}

func (p *peripheral) run(ctx context.Context) {
	defer close(p.done)
	defer p.c.release(p)

	dialCtx, cancel := context.WithTimeout(ctx, p.c.opts.ConnectTimeout)
	client, err := p.c.dial(dialCtx, p.id)
	cancel()
	if err != nil {
		p.logger.WithError(err).Warn("BLE dial failed")
		p.cancelCtx(err)
		p.c.release(p)
		p.c.h().ConnectFailed(p.id, NormalizeError(err))
		return
	}
	p.client = client
	p.logger.Info("BLE peripheral connected")
	p.c.h().Connected(p.id)

	// go-ble clients signal link loss through Disconnected().
	var lost <-chan struct{}
	if dc, ok := client.(interface{ Disconnected() <-chan struct{} }); ok {
		lost = dc.Disconnected()
	}

	for {
		select {
		case <-lost:
			p.finish(ErrNotConnected, false)
			return
		case <-ctx.Done():
			cause := context.Cause(ctx)
			p.finish(cause, true)
			return
		case op := <-p.ops:
			op()
		}
	}
}

// finish tears the connection down and reports it once.
func (p *peripheral) finish(cause error, cancelLink bool) {
	p.once.Do(func() {
		p.cancelCtx(cause)
		if cancelLink {
			if err := p.client.CancelConnection(); err != nil {
				p.logger.WithError(err).Debug("CancelConnection failed")
			}
		}
		p.c.release(p)

		var reported error
		if cause != context.Canceled {
			reported = cause
		}
		p.logger.WithError(reported).Info("BLE peripheral disconnected")
		p.c.h().Disconnected(p.id, reported)
	})
}

func (p *peripheral) discoverServices() {
	svcs, err := p.client.DiscoverServices(nil)
	if err != nil {
		p.c.h().ServicesDiscovered(p.id, nil, NormalizeError(err))
		return
	}
	uuids := make([]string, 0, len(svcs))
	for _, s := range svcs {
		u := platform.NormalizeUUID(s.UUID.String())
		p.services[u] = s
		uuids = append(uuids, u)
	}
	p.logger.WithField("services", len(uuids)).Debug("Services discovered")
	p.c.h().ServicesDiscovered(p.id, uuids, nil)
}

func (p *peripheral) discoverCharacteristics(service string) {
	svcUUID := platform.NormalizeUUID(service)
	s, ok := p.services[svcUUID]
	if !ok {
		p.c.h().CharacteristicsDiscovered(p.id, service, nil, fmt.Errorf("%w: %s", ErrUnknownService, service))
		return
	}
	chars, err := p.client.DiscoverCharacteristics(nil, s)
	if err != nil {
		p.c.h().CharacteristicsDiscovered(p.id, service, nil, NormalizeError(err))
		return
	}

	out := make([]platform.Characteristic, 0, len(chars))
	for _, ch := range chars {
		u := platform.NormalizeUUID(ch.UUID.String())
		p.chars[svcUUID+"/"+u] = ch
		if ch.Property&(ble.CharNotify|ble.CharIndicate) != 0 {
			// Subscribing needs the CCCD, which only descriptor discovery fills in.
			if _, err := p.client.DiscoverDescriptors(nil, ch); err != nil {
				p.logger.WithFields(logrus.Fields{
					"char":  u,
					"error": err,
				}).Debug("Descriptor discovery failed")
			}
		}
		out = append(out, platform.Characteristic{UUID: u, Properties: convertProperties(ch.Property)})
	}
	p.c.h().CharacteristicsDiscovered(p.id, service, out, nil)
}

func (p *peripheral) char(ref platform.CharacteristicRef) (*ble.Characteristic, error) {
	key := platform.NormalizeUUID(ref.Service) + "/" + platform.NormalizeUUID(ref.UUID)
	ch, ok := p.chars[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChar, ref)
	}
	return ch, nil
}

func (p *peripheral) read(ref platform.CharacteristicRef) {
	ch, err := p.char(ref)
	if err != nil {
		p.c.h().ValueUpdated(ref, nil, err)
		return
	}
	data, err := p.client.ReadCharacteristic(ch)
	p.c.h().ValueUpdated(ref, data, NormalizeError(err))
}

func (p *peripheral) write(ref platform.CharacteristicRef, data []byte, withResponse bool) {
	ch, err := p.char(ref)
	if err != nil {
		p.logger.WithError(err).Warn("Write dropped")
		return
	}
	for len(data) > 0 {
		n := min(len(data), WriteChunkSize)
		if err := p.client.WriteCharacteristic(ch, data[:n], !withResponse); err != nil {
			p.logger.WithFields(logrus.Fields{
				"char":  ref.UUID,
				"error": NormalizeError(err),
			}).Warn("Characteristic write failed")
			return
		}
		data = data[n:]
	}
}

func (p *peripheral) setNotify(ref platform.CharacteristicRef, enabled bool) {
	ch, err := p.char(ref)
	if err != nil {
		p.logger.WithError(err).Warn("Notify change dropped")
		return
	}
	ind := ch.Property&ble.CharNotify == 0 && ch.Property&ble.CharIndicate != 0

	if !enabled {
		if err := p.client.Unsubscribe(ch, ind); err != nil {
			p.logger.WithError(NormalizeError(err)).Debug("Unsubscribe failed")
		}
		return
	}
	err = p.client.Subscribe(ch, ind, func(data []byte) {
		p.c.h().ValueUpdated(ref, append([]byte(nil), data...), nil)
	})
	if err != nil {
		p.c.h().ValueUpdated(ref, nil, NormalizeError(err))
	}
}
