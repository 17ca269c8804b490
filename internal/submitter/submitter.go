// Package submitter runs the three-phase submission protocol against the
// ledger: endorse, broadcast, then poll for the committed status.
//
// How far a submission proceeds is chosen per request by its completion
// mode. Every outcome, including non-success statuses and confirmation
// timeouts, is reported as a Result value; Submit never returns a Go error.
package submitter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gateway-fm/ledgerbench/internal/ledger"
	"github.com/gateway-fm/ledgerbench/internal/metrics"
	"github.com/gateway-fm/ledgerbench/pkg/types"
)

const (
	// DefaultPollInterval is the pause between commit status queries.
	DefaultPollInterval = time.Second

	// DefaultTimeout is the confirmation budget when a request sets none.
	DefaultTimeout = 10 * time.Second
)

// ErrorKind classifies a failed submission.
type ErrorKind string

const (
	KindEndorse   ErrorKind = "endorse"   // proposal or endorsement failed
	KindBroadcast ErrorKind = "broadcast" // envelope not accepted for ordering
	KindTimeout   ErrorKind = "timeout"   // no committed status within the budget
	KindStatus    ErrorKind = "status"    // a phase returned a non-success status
)

// Error describes why a submission failed.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Result is the outcome of Submit. Exactly one of OK or Err is meaningful:
// OK is true and Err nil on success.
type Result struct {
	OK      bool
	Payload []byte
	Err     *Error
}

// AsError returns the failure as an error, or nil on success.
func (r Result) AsError() error {
	if r.OK || r.Err == nil {
		return nil
	}
	return r.Err
}

// Request is one chaincode invocation.
type Request struct {
	Requestor ledger.Identity
	Channel   string
	Peers     []string
	Chaincode string
	Version   string
	Language  string
	Function  string
	Args      []string
	Mode      types.CompletionMode

	// Timeout is the wall-clock budget for commit confirmation in full
	// mode. Zero selects DefaultTimeout.
	Timeout time.Duration
}

func (r *Request) proposal() ledger.Proposal {
	return ledger.Proposal{
		Requestor: r.Requestor,
		Channel:   r.Channel,
		Peers:     r.Peers,
		Chaincode: r.Chaincode,
		Version:   r.Version,
		Language:  r.Language,
		Function:  r.Function,
		Args:      r.Args,
	}
}

// Observer receives protocol progress. metrics.Recorder implements it.
type Observer interface {
	ObservePhase(phase metrics.Phase)
	ObserveSubmit(mode types.CompletionMode, kind string, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) ObservePhase(metrics.Phase)                                {}
func (nopObserver) ObserveSubmit(types.CompletionMode, string, time.Duration) {}

// Config holds submitter configuration.
type Config struct {
	Client       ledger.Client
	PollInterval time.Duration
	Observer     Observer
	Logger       *slog.Logger
}

// Submitter executes requests against a ledger client. It holds no
// per-request state and is safe for concurrent use by many workers.
type Submitter struct {
	client       ledger.Client
	pollInterval time.Duration
	observer     Observer
	logger       *slog.Logger
}

// New creates a submitter.
func New(cfg Config) *Submitter {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Submitter{
		client:       cfg.Client,
		pollInterval: cfg.PollInterval,
		observer:     cfg.Observer,
		logger:       cfg.Logger,
	}
}

// Submit runs the protocol for req and reports the outcome.
//
// The endorse and broadcast phases are attempted once. In full mode the
// committed status is polled every poll interval until it reports success or
// req.Timeout of wall-clock time has passed; query faults during polling are
// absorbed and count against the same budget.
func (s *Submitter) Submit(ctx context.Context, req Request) Result {
	start := time.Now()
	res := s.submit(ctx, req)

	kind := ""
	if !res.OK {
		kind = string(res.Err.Kind)
		s.observer.ObservePhase(metrics.PhaseFailed)
		s.logger.Debug("submission failed",
			slog.String("mode", req.Mode.String()),
			slog.String("function", req.Function),
			slog.String("kind", kind),
			slog.String("message", res.Err.Message),
		)
	}
	s.observer.ObserveSubmit(req.Mode, kind, time.Since(start))
	return res
}

func (s *Submitter) submit(ctx context.Context, req Request) Result {
	if !req.Mode.Valid() {
		return failure(KindStatus, "invalid completion mode %d", int(req.Mode))
	}

	s.observer.ObservePhase(metrics.PhaseProposed)
	endorsement, err := s.client.Endorse(ctx, req.proposal())
	if err != nil {
		return failure(KindEndorse, "%v", err)
	}

	if req.Mode == types.ModeEndorseOnly {
		if endorsement == nil {
			return failure(KindEndorse, "no endorsement response")
		}
		s.observer.ObservePhase(metrics.PhaseEndorsed)
		return Result{OK: true, Payload: endorsement.Payload}
	}

	if endorsement == nil {
		return failure(KindEndorse, "no endorsement response")
	}
	s.observer.ObservePhase(metrics.PhaseEndorsed)

	ack, err := s.client.Broadcast(ctx, req.Channel, endorsement)
	if err != nil {
		return failure(KindBroadcast, "%v", err)
	}
	if endorsement.Status != ledger.StatusSuccess || ack == nil || ack.Status != ledger.StatusSuccess {
		return failure(KindStatus, "endorsement status %d, broadcast status %s: %s",
			endorsement.Status, ackStatus(ack), statusMessage(endorsement, ack))
	}
	s.observer.ObservePhase(metrics.PhaseBroadcast)

	if req.Mode == types.ModeBroadcastOnly {
		return Result{OK: true, Payload: endorsement.Payload}
	}

	return s.confirm(ctx, req, endorsement)
}

// confirm polls the committed status of the endorsed transaction.
func (s *Submitter) confirm(ctx context.Context, req Request, endorsement *ledger.Endorsement) Result {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	deadline := time.Now().Add(timeout)
	lastSeen := "no status received"

	for time.Now().Before(deadline) {
		pollCtx, cancel := context.WithDeadline(ctx, deadline)
		status, err := s.client.QueryTransaction(pollCtx, req.Requestor, req.Channel, req.Peers, endorsement.TxID)
		cancel()

		switch {
		case err != nil:
			lastSeen = err.Error()
		case status == nil:
			lastSeen = "empty status"
		case status.Status == ledger.StatusSuccess:
			s.observer.ObservePhase(metrics.PhaseCommitted)
			return Result{OK: true, Payload: endorsement.Payload}
		default:
			lastSeen = fmt.Sprintf("status %d: %s", status.Status, status.Message)
		}

		if ctx.Err() != nil {
			return failure(KindTimeout, "confirmation aborted: %v", ctx.Err())
		}

		wait := min(s.pollInterval, time.Until(deadline))
		if wait <= 0 {
			break
		}
		select {
		case <-ctx.Done():
			return failure(KindTimeout, "confirmation aborted: %v", ctx.Err())
		case <-time.After(wait):
		}
	}

	return failure(KindTimeout, "Failed to invoke chaincode. Query check returned: %s", lastSeen)
}

func failure(kind ErrorKind, format string, args ...any) Result {
	return Result{Err: &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}}
}

func ackStatus(ack *ledger.BroadcastAck) string {
	if ack == nil {
		return "none"
	}
	return fmt.Sprintf("%d", ack.Status)
}

func statusMessage(e *ledger.Endorsement, ack *ledger.BroadcastAck) string {
	if e.Status != ledger.StatusSuccess && e.Message != "" {
		return e.Message
	}
	if ack != nil && ack.Message != "" {
		return ack.Message
	}
	return e.Message
}
