// Package notify is the outbound notification boundary. Notifications
// are advisory: the engine commits tasks/escalations first and treats
// delivery as best-effort. Sends go through a buffered dispatcher so a
// slow provider can never stall a batch tick.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/natemoovs/zerochurn/internal/pkg/logger"
)

// Message is one notification to deliver.
type Message struct {
	Subject string
	Body    string
}

// Sender delivers a message. Implementations: SMTP alerter, SES sender.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Dispatcher decouples enqueue from delivery. Notify never blocks: when
// the buffer is full the message is dropped with a warning, because a
// lost advisory notification is cheaper than a stalled tick.
type Dispatcher struct {
	sender Sender
	ch     chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// NewDispatcher creates a dispatcher with the given buffer depth.
func NewDispatcher(sender Sender, depth int) *Dispatcher {
	if depth <= 0 {
		depth = 256
	}
	return &Dispatcher{
		sender: sender,
		ch:     make(chan Message, depth),
	}
}

// Start launches the delivery loop.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.mu.Unlock()

	d.wg.Add(1)
	go d.loop()
}

// Stop drains in-flight deliveries and stops the loop.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.cancel()
	d.mu.Unlock()
	d.wg.Wait()
}

// Notify enqueues a message for best-effort delivery.
func (d *Dispatcher) Notify(subject, body string) {
	select {
	case d.ch <- Message{Subject: subject, Body: body}:
	default:
		logger.Warn("notification dropped, queue full", "subject", subject)
	}
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case msg := <-d.ch:
			sendCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := d.sender.Send(sendCtx, msg); err != nil {
				logger.Warn("notification send failed", "subject", msg.Subject, "error", err.Error())
			}
			cancel()
		}
	}
}
