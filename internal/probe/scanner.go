package probe

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/mateoortiz/portguardd/internal/model"
)

// isBoundTimeout bounds a single IsBound check.
const isBoundTimeout = 1 * time.Second

// scanBudget bounds a full Scan() pass over external commands.
const scanBudget = 5 * time.Second

// Prober answers questions about the host's real TCP port-binding state.
// It is read-only with respect to OS state: every probe either binds a
// throwaway listener and closes it immediately, or shells out to a
// read-only inspection command.
//
// Prober is intentionally stateless beyond its logger and optional Docker
// enricher — it is safe for concurrent use by many allocation attempts.
type Prober struct {
	log *zap.SugaredLogger
	enricher *ContainerEnricher // may be nil if Docker is unavailable
}

// NewProber creates a Prober. enricher may be nil — container-name
// enrichment is best-effort and its absence never fails a probe.
func NewProber(log *zap.SugaredLogger, enricher *ContainerEnricher) *Prober {
	return &Prober{log: log, enricher: enricher}
}

// IsBound reports whether port is currently held by a LISTEN socket on
// any local interface. It attempts to bind a throwaway
// listener to 127.0.0.1:port: EADDRINUSE means bound; a clean bind
// (immediately closed) means free; any other error is treated as bound,
// failing closed on uncertainty.
//
// IsBound never blocks the caller longer than isBoundTimeout; on timeout
// it returns true (bound) rather than hang, since a caller waiting on
// this result holds the allocator's registry lock.
func (p *Prober) IsBound(port int) bool {
	resultCh := make(chan bool, 1)

	go func() {
		addr := fmt.Sprintf("127.0.0.1:%d", port)
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			resultCh <- true
			return
		}
		_ = listener.Close()
		resultCh <- false
	}()

	select {
	case bound := <-resultCh:
		return bound
	case <-time.After(isBoundTimeout):
		if p.log != nil {
			p.log.Warnw("is_bound probe timed out, failing closed", "port", port)
		}
		return true
	}
}

// Describe performs a best-effort lookup of the PID, process name,
// command line, and working directory of whichever process holds the
// port. It tries lsof, then netstat, then ss, and returns the first
// success. If all three fail, or the bounded scan times out, it returns
// nil — never a hang.
func (p *Prober) Describe(ctx context.Context, port int) *model.Observation {
	ctx, cancel := context.WithTimeout(ctx, scanBudget)
	defer cancel()

	obs := describeWithLsof(ctx, port)
	if obs == nil {
		obs = describeWithNetstat(ctx, port)
	}
	if obs == nil {
		obs = describeWithSS(ctx, port)
	}
	if obs == nil {
		return nil
	}

	if p.enricher != nil {
		p.enricher.Enrich(ctx, obs)
	}
	return obs
}

// Scan enumerates every listening TCP port on the host,
// bounded by scanBudget. It is the data source for the Reconciliation
// Loop's passive observation cache.
func (p *Prober) Scan(ctx context.Context) []model.Observation {
	ctx, cancel := context.WithTimeout(ctx, scanBudget)
	defer cancel()

	observations := scanWithLsof(ctx)
	if observations == nil {
		observations = scanWithNetstat(ctx)
	}
	if observations == nil {
		observations = scanWithSS(ctx)
	}

	if p.enricher != nil {
		for i := range observations {
			p.enricher.Enrich(ctx, &observations[i])
		}
	}
	return observations
}
