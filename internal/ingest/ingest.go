// Package ingest fans platform updates out to a worker pool. Events are
// sharded onto workers by subject so one subject's events are handled in
// arrival order while distinct subjects proceed in parallel; the pipeline's
// striped locks make that ordering a throughput property, not a correctness
// requirement.
package ingest

import (
	"context"
	"hash/fnv"

	"warden/internal/engine"
	rtsup "warden/internal/runtime/supervisor"
	"warden/internal/storage"
	"warden/internal/transport"
	logx "warden/pkg/logx"
)

const (
	defaultWorkers   = 4
	defaultQueueSize = 128
)

// EventHandler is the pipeline entry point the pool drives.
type EventHandler interface {
	Handle(ctx context.Context, ev engine.Event) (storage.AuditEntry, error)
}

// CommandHandler processes moderator commands. Commands are not sharded; they
// are rare and already serialized per subject inside the pipeline.
type CommandHandler func(ctx context.Context, cmd transport.Command)

type Config struct {
	Workers   int
	QueueSize int
}

type Pool struct {
	cfg      Config
	handler  EventHandler
	onCmd    CommandHandler
	log      logx.Logger
	queues   []chan engine.Event
	commands chan transport.Command
	sup      *rtsup.Supervisor
}

func NewPool(cfg Config, handler EventHandler, onCmd CommandHandler, log logx.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Pool{
		cfg:      cfg,
		handler:  handler,
		onCmd:    onCmd,
		log:      log,
		queues:   make([]chan engine.Event, cfg.Workers),
		commands: make(chan transport.Command, cfg.QueueSize),
	}
	for i := range p.queues {
		p.queues[i] = make(chan engine.Event, cfg.QueueSize)
	}
	return p
}

// Start consumes updates from in until the context is canceled. Workers keep
// draining their queues after in closes; Stop waits for them.
func (p *Pool) Start(ctx context.Context, in <-chan transport.Update) {
	p.sup = rtsup.New(ctx, rtsup.WithLogger(p.log.With(logx.String("comp", "ingest"))))

	for i := range p.queues {
		queue := p.queues[i]
		p.sup.Go0("worker", func(c context.Context) {
			for {
				select {
				case <-c.Done():
					return
				case ev, ok := <-queue:
					if !ok {
						return
					}
					if _, err := p.handler.Handle(c, ev); err != nil {
						p.log.Error("event handling failed",
							logx.String("event", ev.ID),
							logx.String("subject", ev.Subject.Key()),
							logx.Err(err))
					}
				}
			}
		})
	}

	p.sup.Go0("commands", func(c context.Context) {
		for {
			select {
			case <-c.Done():
				return
			case cmd, ok := <-p.commands:
				if !ok {
					return
				}
				if p.onCmd != nil {
					p.onCmd(c, cmd)
				}
			}
		}
	})

	p.sup.Go0("demux", func(c context.Context) {
		for {
			select {
			case <-c.Done():
				return
			case up, ok := <-in:
				if !ok {
					return
				}
				p.route(c, up)
			}
		}
	})
}

func (p *Pool) route(ctx context.Context, up transport.Update) {
	switch up.Kind {
	case transport.UpdateEvent:
		if up.Event == nil {
			return
		}
		select {
		case p.queueFor(up.Event.Subject) <- *up.Event:
		case <-ctx.Done():
		}
	case transport.UpdateCommand:
		if up.Command == nil {
			return
		}
		select {
		case p.commands <- *up.Command:
		case <-ctx.Done():
		}
	}
}

func (p *Pool) queueFor(sub engine.Subject) chan engine.Event {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sub.Key()))
	return p.queues[h.Sum32()%uint32(len(p.queues))]
}

// Stop cancels the pool and waits for in-flight work.
func (p *Pool) Stop(ctx context.Context) error {
	if p.sup == nil {
		return nil
	}
	p.sup.Cancel()
	return p.sup.Wait(ctx)
}
