package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/supporttools/net-probe/pkg/logger"
	"github.com/supporttools/net-probe/pkg/types"
)

// Prober runs the probe loop against a single target.
type Prober struct {
	resolver Resolver
	sockets  SocketFactory
	log      *logrus.Entry

	// sleep waits for d or until ctx is done.
	sleep func(ctx context.Context, d time.Duration) error

	mu        sync.Mutex
	target    types.ProbeTarget
	pending   *types.ProbeTarget
	reporters []types.Reporter

	// buffer is the transfer buffer reused by every iteration.
	buffer    []byte
	iteration uint64
}

// NewProber creates a Prober for target using the system resolver and
// a TCPSocketFactory configured from the target's socket options.
func NewProber(target types.ProbeTarget) (*Prober, error) {
	if err := target.Validate(); err != nil {
		return nil, fmt.Errorf("invalid probe target: %w", err)
	}

	return &Prober{
		resolver: newDefaultResolver(),
		sockets:  NewTCPSocketFactory(SocketOptions{TTL: target.TTL, TOS: target.TOS}),
		log:      logger.ForComponent("probe"),
		sleep:    sleepContext,
		target:   target,
		buffer:   make([]byte, target.BufferSize),
	}, nil
}

// AddReporter registers a reporter that receives every iteration result.
func (p *Prober) AddReporter(reporter types.Reporter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reporters = append(p.reporters, reporter)
}

// Target returns the target the next iteration will use.
func (p *Prober) Target() types.ProbeTarget {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending != nil {
		return *p.pending
	}
	return p.target
}

// Reconfigure replaces the probe target. The change takes effect at the
// start of the next iteration; an iteration in progress is not affected.
func (p *Prober) Reconfigure(target types.ProbeTarget) error {
	if err := target.Validate(); err != nil {
		return fmt.Errorf("invalid probe target: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = &target
	return nil
}

// Run executes iterations until ctx is done, MaxIterations is reached, or an
// iteration fails under FailurePolicyAbort. It returns nil on cancellation
// and on reaching MaxIterations, and the iteration's *StageError on abort.
func (p *Prober) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		target := p.applyPending()
		result := p.RunOnce(ctx)

		if ctx.Err() != nil {
			return nil
		}

		if !result.Succeeded() && target.FailurePolicy == types.FailurePolicyAbort {
			p.log.WithFields(logrus.Fields{
				"iteration": result.Iteration,
				"stage":     result.Stage,
			}).Error("Probe aborted")
			return result.Err
		}

		if target.MaxIterations > 0 && result.Iteration >= target.MaxIterations {
			p.log.WithField("iterations", result.Iteration).Info("Probe reached max iterations")
			return nil
		}

		// Failed iterations end before their delay step, so wait here.
		if !result.Succeeded() {
			if err := p.sleep(ctx, target.Delay); err != nil {
				return nil
			}
		}
	}
}

// applyPending installs a target queued by Reconfigure and returns the
// target for the upcoming iteration.
func (p *Prober) applyPending() types.ProbeTarget {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pending == nil {
		return p.target
	}

	old := p.target
	p.target = *p.pending
	p.pending = nil

	if p.target.BufferSize != len(p.buffer) {
		p.buffer = make([]byte, p.target.BufferSize)
	}
	if (p.target.TTL != old.TTL || p.target.TOS != old.TOS) && isTCPFactory(p.sockets) {
		p.sockets = NewTCPSocketFactory(SocketOptions{TTL: p.target.TTL, TOS: p.target.TOS})
	}

	p.log.WithFields(logrus.Fields{
		"host": p.target.Host,
		"port": p.target.Port,
	}).Info("Probe target reconfigured")

	return p.target
}

func isTCPFactory(f SocketFactory) bool {
	_, ok := f.(*TCPSocketFactory)
	return ok
}

// RunOnce performs a single iteration and reports its result.
//
// Steps run strictly in order: open socket, resolve, connect, send, receive,
// delay, shutdown and close. A failing step ends the iteration and no later
// network step is attempted. The socket is always closed before RunOnce returns.
func (p *Prober) RunOnce(ctx context.Context) *types.IterationResult {
	p.mu.Lock()
	target := p.target
	sockets := p.sockets
	buffer := p.buffer
	p.iteration++
	iteration := p.iteration
	p.mu.Unlock()

	endpoint := types.Endpoint{Hostname: target.Host, Port: target.Port}
	result := types.NewIterationResult(iteration, endpoint)
	log := p.log.WithFields(logrus.Fields{
		"iteration": iteration,
		"host":      target.Host,
		"port":      target.Port,
	})

	p.execute(ctx, log, target, sockets, buffer, result)

	if result.FinishedAt.IsZero() {
		result.FinishedAt = time.Now()
	}
	p.report(ctx, log, result)

	return result
}

func (p *Prober) execute(ctx context.Context, log *logrus.Entry, target types.ProbeTarget,
	sockets SocketFactory, buffer []byte, result *types.IterationResult) {

	fail := func(stage types.Stage, err error, msg string) {
		result.Fail(stage, &StageError{Stage: stage, Err: err})
		if ctx.Err() != nil {
			log.WithError(err).Debug(msg)
			return
		}
		log.WithError(err).WithField("stage", stage).Error(msg)
	}

	// 1. Socket
	sock, err := sockets.Open()
	if err != nil {
		fail(types.StageSocket, err, "Unable to create socket")
		return
	}
	defer p.closeSocket(log, sock)

	// Closing the socket unblocks connect, send and receive on cancellation.
	stop := context.AfterFunc(ctx, func() { sock.Close() })
	defer stop()

	// 2-3. Resolve and build the IPv4 address
	result.Stage = types.StageResolve
	resolveCtx, cancel := context.WithTimeout(ctx, target.DialTimeout)
	start := time.Now()
	addr, err := resolveIPv4(resolveCtx, p.resolver, target.Host, target.Port)
	cancel()
	result.Durations[types.StageResolve] = time.Since(start)
	if err != nil {
		fail(types.StageResolve, err, "Unable to resolve host")
		return
	}
	result.Endpoint.Address = addr

	// 4. Connect
	result.Stage = types.StageConnect
	connectCtx, cancel := context.WithTimeout(ctx, target.DialTimeout)
	start = time.Now()
	err = sock.Connect(connectCtx, addr)
	cancel()
	result.Durations[types.StageConnect] = time.Since(start)
	if err != nil {
		fail(types.StageConnect, err, "Socket unable to connect")
		return
	}
	log.WithField("address", addr.String()).Info("Successfully connected")

	if err := sock.SetDeadline(time.Now().Add(target.ReadTimeout)); err != nil {
		fail(types.StageSend, err, "Unable to set socket deadline")
		return
	}

	// 5. Send; a short write is reported, not retried
	result.Stage = types.StageSend
	request := []byte(target.Request)
	start = time.Now()
	n, err := sock.Write(request)
	result.Durations[types.StageSend] = time.Since(start)
	result.BytesSent = n
	if err != nil {
		fail(types.StageSend, err, "Unable to send request")
		return
	}
	if n < len(request) {
		log.WithFields(logrus.Fields{"sent": n, "size": len(request)}).Warn("Short write, request truncated")
	}

	// 6. Receive at most one buffer
	result.Stage = types.StageReceive
	start = time.Now()
	n, err = sock.Read(buffer)
	result.Durations[types.StageReceive] = time.Since(start)
	if n > 0 {
		result.BytesReceived = n
		result.Response = append([]byte(nil), buffer[:n]...)
	}
	if err != nil && !errors.Is(err, io.EOF) {
		fail(types.StageReceive, err, "Unable to receive response")
		return
	}

	if n == 0 {
		log.Info("Response was empty")
	} else {
		log.WithField("bytes", n).Infof("Response was: %s", buffer[:n])
	}

	result.Stage = types.StageComplete
	result.FinishedAt = time.Now()

	// 7. Delay, then the deferred shutdown and close
	if err := p.sleep(ctx, target.Delay); err != nil {
		log.Debug("Delay interrupted")
	}
}

// closeSocket shuts down and closes sock.
func (p *Prober) closeSocket(log *logrus.Entry, sock Socket) {
	log.Info("Shutting down socket and restarting...")
	if err := sock.Shutdown(); err != nil && !errors.Is(err, ErrNotConnected) && !errors.Is(err, net.ErrClosed) {
		log.WithError(err).Debug("Socket shutdown failed")
	}
	if err := sock.Close(); err != nil {
		log.WithError(err).Debug("Socket close failed")
	}
}

func (p *Prober) report(ctx context.Context, log *logrus.Entry, result *types.IterationResult) {
	p.mu.Lock()
	reporters := make([]types.Reporter, len(p.reporters))
	copy(reporters, p.reporters)
	p.mu.Unlock()

	// Reporting outlives a cancelled loop so the last result is still published.
	reportCtx := context.WithoutCancel(ctx)
	for _, r := range reporters {
		if err := r.ReportIteration(reportCtx, result); err != nil {
			log.WithError(err).Warn("Failed to report iteration")
		}
	}
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
