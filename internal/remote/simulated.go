package remote

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Simulated resolves after a fixed delay, standing in for a real payment call.
// A zero amount is rejected.
type Simulated struct {
	delay time.Duration
}

func NewSimulated(delay time.Duration) *Simulated {
	if delay < 0 {
		delay = 0
	}
	return &Simulated{delay: delay}
}

func (s *Simulated) Call(ctx context.Context, req Request) (Response, error) {
	timer := time.NewTimer(s.delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return Response{}, ctx.Err()
	case <-timer.C:
	}
	if req.Amount == 0 {
		return Response{OK: false}, fmt.Errorf("%w: zero amount", ErrRejected)
	}
	log.Debug().Int64("amount", req.Amount).Dur("delay", s.delay).Msg("remote.Simulated.Call ok")
	return Response{OK: true, Value: req.Payload()}, nil
}
