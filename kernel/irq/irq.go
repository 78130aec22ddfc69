// Package irq bridges hardware interrupts to IPC objects. Interrupts may be
// raised from any goroutine; they are only recorded as pending until the
// kernel drains them at a safe point and posts the matching events.
package irq

import (
	"capos/kernel"
	"capos/kernel/sync"

	"go.uber.org/multierr"
)

// NumIRQs is the number of interrupt lines the controller handles.
const NumIRQs = 64

var (
	// ErrInvalidIRQ is returned for interrupt numbers outside [0, NumIRQs).
	ErrInvalidIRQ = &kernel.Error{Module: "irq", Message: "invalid interrupt number", Kind: kernel.KindUsageFault}

	// ErrAlreadySubscribed is returned when subscribing to a line that
	// already has a subscriber.
	ErrAlreadySubscribed = &kernel.Error{Module: "irq", Message: "interrupt already subscribed", Kind: kernel.KindUsageFault}

	// ErrNotSubscribed is returned when a line has no subscriber.
	ErrNotSubscribed = &kernel.Error{Module: "irq", Message: "interrupt not subscribed", Kind: kernel.KindNotFound}

	errUnknownKind = &kernel.Error{Module: "irq", Message: "unknown subscription kind", Kind: kernel.KindFatal}
)

// Kind selects how an interrupt is delivered to its subscriber.
type Kind uint8

const (
	// KindEvent delivers the interrupt as an event posted to an object.
	KindEvent Kind = iota + 1
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindEvent:
		return "event"
	default:
		return "unknown"
	}
}

// Target receives interrupt events.
type Target interface {
	Post(eventType, value uint32) error
	Acquire()
	Release()
}

// Subscription binds an interrupt line to a delivery target.
type Subscription struct {
	Kind      Kind
	IRQ       int
	Target    Target
	EventType uint32

	masked bool
}

// Masked returns true while the subscription awaits acknowledgement.
func (s *Subscription) Masked() bool { return s.masked }

// DeliverHook is invoked after an interrupt has been delivered.
type DeliverHook func(irq int)

// Controller tracks subscriptions and pending interrupts.
type Controller struct {
	// lock guards pending and raised.
	lock    sync.Spinlock
	pending []int
	raised  [NumIRQs]bool

	subs   [NumIRQs]*Subscription
	notify chan struct{}
	hook   DeliverHook
}

// NewController returns a controller with no subscriptions.
func NewController() *Controller {
	return &Controller{
		notify: make(chan struct{}, 1),
	}
}

// SetDeliverHook installs fn as the delivery hook.
func (c *Controller) SetDeliverHook(fn DeliverHook) { c.hook = fn }

// Notify returns a channel that receives a value whenever new interrupts
// become pending.
func (c *Controller) Notify() <-chan struct{} { return c.notify }

// Subscribe delivers future occurrences of irq to target as events of the
// given type. The controller holds a reference to target until Unsubscribe.
func (c *Controller) Subscribe(irq int, target Target, eventType uint32) error {
	if err := checkIRQ(irq); err != nil {
		return err
	}
	if c.subs[irq] != nil {
		return ErrAlreadySubscribed
	}

	target.Acquire()
	c.subs[irq] = &Subscription{
		Kind:      KindEvent,
		IRQ:       irq,
		Target:    target,
		EventType: eventType,
	}
	return nil
}

// Unsubscribe removes the subscription for irq and drops its reference to
// the target.
func (c *Controller) Unsubscribe(irq int) error {
	sub, err := c.Subscription(irq)
	if err != nil {
		return err
	}

	c.subs[irq] = nil
	sub.Target.Release()
	return nil
}

// Subscription returns the subscription for irq.
func (c *Controller) Subscription(irq int) (*Subscription, error) {
	if err := checkIRQ(irq); err != nil {
		return nil, err
	}
	if c.subs[irq] == nil {
		return nil, ErrNotSubscribed
	}

	return c.subs[irq], nil
}

// Acknowledge unmasks irq so that its next occurrence can be delivered.
func (c *Controller) Acknowledge(irq int) error {
	sub, err := c.Subscription(irq)
	if err != nil {
		return err
	}

	sub.masked = false
	if c.Pending() > 0 {
		c.signal()
	}
	return nil
}

// Raise marks irq as pending. It may be called from any goroutine. Raising
// an interrupt that is already pending has no effect.
func (c *Controller) Raise(irq int) error {
	if err := checkIRQ(irq); err != nil {
		return err
	}

	c.lock.Acquire()
	if !c.raised[irq] {
		c.raised[irq] = true
		c.pending = append(c.pending, irq)
	}
	c.lock.Release()

	c.signal()
	return nil
}

// Pending returns the number of interrupts awaiting delivery.
func (c *Controller) Pending() int {
	c.lock.Acquire()
	defer c.lock.Release()
	return len(c.pending)
}

// Drain delivers every pending interrupt in the order it was raised and
// returns the number delivered. Interrupts without a subscriber are
// dropped. Interrupts whose subscription is masked, or whose delivery
// failed, stay pending.
func (c *Controller) Drain() (int, error) {
	c.lock.Acquire()
	batch := c.pending
	c.pending = nil
	for _, irq := range batch {
		c.raised[irq] = false
	}
	c.lock.Release()

	var (
		delivered int
		errs      error
		retry     []int
	)

	for _, irq := range batch {
		sub := c.subs[irq]
		switch {
		case sub == nil:
			continue
		case sub.masked:
			retry = append(retry, irq)
			continue
		}

		if err := c.deliver(sub); err != nil {
			errs = multierr.Append(errs, err)
			retry = append(retry, irq)
			continue
		}

		sub.masked = true
		delivered++
		if c.hook != nil {
			c.hook(irq)
		}
	}

	if len(retry) != 0 {
		c.lock.Acquire()
		for _, irq := range retry {
			if !c.raised[irq] {
				c.raised[irq] = true
				c.pending = append(c.pending, irq)
			}
		}
		c.lock.Release()
	}

	return delivered, errs
}

// Close drops every subscription.
func (c *Controller) Close() {
	for irq, sub := range c.subs {
		if sub != nil {
			c.subs[irq] = nil
			sub.Target.Release()
		}
	}
}

func (c *Controller) deliver(sub *Subscription) error {
	switch sub.Kind {
	case KindEvent:
		return sub.Target.Post(sub.EventType, uint32(sub.IRQ))
	default:
		return errUnknownKind
	}
}

func (c *Controller) signal() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func checkIRQ(irq int) error {
	if irq < 0 || irq >= NumIRQs {
		return ErrInvalidIRQ
	}
	return nil
}
