package queue

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/danmuck/feedctl/internal/observability"
	"github.com/danmuck/feedctl/internal/remote"
	"github.com/danmuck/feedctl/internal/store"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

var ErrRemoteCallRejected = errors.New("queue: remote call rejected")

type Config struct {
	// RateLimit is remote calls per second; 0 disables limiting.
	RateLimit   float64
	RateBurst   int
	CallTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		RateBurst:   1,
		CallTimeout: 10 * time.Second,
	}
}

// Processor drains the queue head through a remote caller, one call at a time.
type Processor struct {
	store   *store.Store
	caller  remote.Caller
	limiter *rate.Limiter
	cfg     Config

	slot     chan struct{}
	inFlight atomic.Bool
}

func NewProcessor(st *store.Store, caller remote.Caller, cfg Config) *Processor {
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	if cfg.RateBurst < 1 {
		cfg.RateBurst = 1
	}
	return &Processor{
		store:   st,
		caller:  caller,
		limiter: rate.NewLimiter(limit, cfg.RateBurst),
		cfg:     cfg,
		slot:    make(chan struct{}, 1),
	}
}

// ProcessOne sends the current head to the remote caller and dequeues it on
// success. An empty queue is a no-op. On rejection the head stays in place and
// ErrRemoteCallRejected is returned. Cancellation returns ctx.Err().
func (p *Processor) ProcessOne(ctx context.Context, fields map[string]any) error {
	select {
	case p.slot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-p.slot }()

	head, ok := p.store.Head()
	if !ok {
		return nil
	}
	if err := p.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("queue: rate limiter: %w", err)
	}

	p.inFlight.Store(true)
	defer p.inFlight.Store(false)

	callCtx := ctx
	if p.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, p.cfg.CallTimeout)
		defer cancel()
	}
	start := time.Now()
	resp, err := p.caller.Call(callCtx, remote.Request{Fields: fields, Amount: head.Amount})
	elapsed := time.Since(start)

	if ctxErr := ctx.Err(); ctxErr != nil {
		observability.RecordRemoteCall("cancelled", elapsed)
		log.Debug().Uint64("item", head.ID).Msg("queue.Processor.ProcessOne cancelled")
		return ctxErr
	}
	if err != nil || !resp.OK {
		observability.RecordRemoteCall("rejected", elapsed)
		log.Warn().Err(err).Uint64("item", head.ID).Int64("amount", head.Amount).Msg("queue.Processor.ProcessOne rejected")
		if err != nil {
			return fmt.Errorf("%w: item=%d: %w", ErrRemoteCallRejected, head.ID, err)
		}
		return fmt.Errorf("%w: item=%d", ErrRemoteCallRejected, head.ID)
	}

	observability.RecordRemoteCall("ok", elapsed)
	p.store.Dispatch(store.ItemDequeued{ItemID: head.ID})
	log.Info().Uint64("item", head.ID).Int64("amount", head.Amount).Dur("elapsed", elapsed).Msg("queue.Processor.ProcessOne dequeued")
	return nil
}

// InFlight reports whether a remote call is running.
func (p *Processor) InFlight() bool {
	return p.inFlight.Load()
}
