package bgp

import (
	"context"
	"net/netip"
	"sync"
)

// Policy evaluation is asynchronous: import and export policies are
// enqueued to a dedicated worker pool and the verdicts flow back to the
// instance main loop, which merges them into the post-policy Adj-RIB
// stages and re-schedules the decision process.

// PolicyDirection distinguishes import from export evaluation.
type PolicyDirection uint8

const (
	PolicyImport PolicyDirection = iota
	PolicyExport
)

// PolicyFunc evaluates one route against the configured policy chain.
// It must be pure: workers run it concurrently.
type PolicyFunc func(prefix netip.Prefix, attrs *Attrs) PolicyVerdict

// PolicyVerdict is the policy outcome.
type PolicyVerdict struct {
	Accept bool
	// Attrs carries the possibly-rewritten attribute set on accept.
	Attrs *Attrs
}

// AcceptAll is the default policy.
func AcceptAll(_ netip.Prefix, attrs *Attrs) PolicyVerdict {
	return PolicyVerdict{Accept: true, Attrs: attrs}
}

// PolicyApplyMsg is one unit of policy work.
type PolicyApplyMsg struct {
	Direction PolicyDirection
	Neighbor  netip.Addr
	Prefix    netip.Prefix
	Attrs     *Attrs
	Policy    PolicyFunc
}

// PolicyApplyResult returns the verdict to the instance main loop.
type PolicyApplyResult struct {
	Direction PolicyDirection
	Neighbor  netip.Addr
	Prefix    netip.Prefix
	Verdict   PolicyVerdict
}

// PolicyPool is the policy-evaluation worker pool.
type PolicyPool struct {
	in      chan PolicyApplyMsg
	results chan PolicyApplyResult
	wg      sync.WaitGroup
}

// NewPolicyPool starts workers goroutines draining the queue.
func NewPolicyPool(ctx context.Context, workers int) *PolicyPool {
	if workers < 1 {
		workers = 1
	}
	p := &PolicyPool{
		in:      make(chan PolicyApplyMsg, 256),
		results: make(chan PolicyApplyResult, 256),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	return p
}

func (p *PolicyPool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-p.in:
			verdict := msg.Policy(msg.Prefix, msg.Attrs)
			select {
			case <-ctx.Done():
				return
			case p.results <- PolicyApplyResult{
				Direction: msg.Direction,
				Neighbor:  msg.Neighbor,
				Prefix:    msg.Prefix,
				Verdict:   verdict,
			}:
			}
		}
	}
}

// Enqueue submits one evaluation. Blocks when the pool is saturated,
// which backpressures the UPDATE receive path.
func (p *PolicyPool) Enqueue(ctx context.Context, msg PolicyApplyMsg) {
	select {
	case <-ctx.Done():
	case p.in <- msg:
	}
}

// Results is the verdict channel consumed by the instance main loop.
func (p *PolicyPool) Results() <-chan PolicyApplyResult { return p.results }

// Wait blocks until all workers exited after context cancellation.
func (p *PolicyPool) Wait() { p.wg.Wait() }
