package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"voicebox/internal/core/domain"
	"voicebox/internal/core/ports"
	"voicebox/pkg/circuitbreaker"
	"voicebox/pkg/tracing"
	"voicebox/pkg/validation"

	"go.uber.org/zap"
)

const (
	opRegister = "register"
	opLookup   = "lookup"
)

// DirectoryOptions tunes how the directory service talks to its store.
type DirectoryOptions struct {
	OperationTimeout time.Duration
	CircuitBreaker   circuitbreaker.Config
}

func DefaultDirectoryOptions() DirectoryOptions {
	return DirectoryOptions{
		OperationTimeout: 3 * time.Second,
		CircuitBreaker:   circuitbreaker.DefaultConfig(),
	}
}

// PeerDirectoryService publishes and resolves username → address records
// over a plain put/get store. Records are never overwritten: the first
// registration of a username wins.
type PeerDirectoryService struct {
	store   ports.DirectoryStore
	opts    DirectoryOptions
	breaker *circuitbreaker.CircuitBreaker
	metrics ports.Metrics
	logger  *zap.SugaredLogger
}

var _ ports.PeerDirectory = (*PeerDirectoryService)(nil)

func NewPeerDirectoryService(store ports.DirectoryStore, opts DirectoryOptions, metrics ports.Metrics, logger *zap.SugaredLogger) *PeerDirectoryService {
	cbConfig := opts.CircuitBreaker
	cbConfig.IsFailure = func(err error) bool {
		return !errors.Is(err, domain.ErrKeyNotFound)
	}
	breaker := circuitbreaker.New(cbConfig)
	breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("Directory circuit breaker changed state", "from", from, "to", to)
	})

	return &PeerDirectoryService{
		store:   store,
		opts:    opts,
		breaker: breaker,
		metrics: metrics,
		logger:  logger,
	}
}

// Register publishes address under username. It returns false, leaving
// the existing record untouched, when the username is already taken.
func (s *PeerDirectoryService) Register(ctx context.Context, username, address string) (registered bool, err error) {
	if err := validation.ValidateUsername(username); err != nil {
		return false, fmt.Errorf("%w: %v", domain.ErrInvalidUsername, err)
	}
	if err := validation.ValidateAddress(address); err != nil {
		return false, fmt.Errorf("%w: %v", domain.ErrInvalidAddress, err)
	}

	ctx, span := tracing.TraceDirectoryOperation(ctx, opRegister, username)
	start := time.Now()
	defer func() {
		s.metrics.DirectoryOperation(opRegister, time.Since(start), err)
		tracing.AddSpanAttributes(ctx, tracing.AddressKey.String(address))
		tracing.MeasureDuration(ctx, start)
		tracing.EndSpan(span, err)
	}()

	if conditional, ok := s.store.(ports.ConditionalDirectoryStore); ok {
		registered, err = s.putIfAbsent(ctx, conditional, username, address)
	} else {
		registered, err = s.getThenPut(ctx, username, address)
	}
	if err != nil {
		return false, err
	}

	if registered {
		s.logger.Infow("Registered username", "username", username, "address", address)
	} else {
		s.logger.Infow("Username already registered", "username", username)
	}
	return registered, nil
}

func (s *PeerDirectoryService) putIfAbsent(ctx context.Context, store ports.ConditionalDirectoryStore, username, address string) (bool, error) {
	return storeCall(ctx, s, opRegister, func(ctx context.Context) (bool, error) {
		return store.PutIfAbsent(ctx, username, address)
	})
}

// getThenPut is the fallback for stores without a conditional put. Two
// nodes racing for the same username can both see it absent; the store
// offers nothing stronger.
func (s *PeerDirectoryService) getThenPut(ctx context.Context, username, address string) (bool, error) {
	_, err := s.get(ctx, opRegister, username)
	switch {
	case err == nil:
		return false, nil
	case !errors.Is(err, domain.ErrKeyNotFound):
		return false, err
	}

	return storeCall(ctx, s, opRegister, func(ctx context.Context) (bool, error) {
		return true, s.store.Put(ctx, username, address)
	})
}

// Lookup resolves username. A missing record is ErrUserNotFound, and so
// is a name Register would refuse, since no record can exist for it. A
// store that cannot answer is ErrDirectoryUnavailable.
func (s *PeerDirectoryService) Lookup(ctx context.Context, username string) (address string, err error) {
	if err := validation.ValidateUsername(username); err != nil {
		return "", fmt.Errorf("%w: %q: %v", domain.ErrUserNotFound, username, err)
	}

	ctx, span := tracing.TraceDirectoryOperation(ctx, opLookup, username)
	start := time.Now()
	defer func() {
		tracing.AddSpanAttributes(ctx, tracing.FoundKey.Bool(err == nil))
		tracing.MeasureDuration(ctx, start)
		if errors.Is(err, domain.ErrUserNotFound) {
			// a miss is an answer, not a failure
			s.metrics.DirectoryOperation(opLookup, time.Since(start), nil)
			span.End()
			return
		}
		s.metrics.DirectoryOperation(opLookup, time.Since(start), err)
		tracing.EndSpan(span, err)
	}()

	address, err = s.get(ctx, opLookup, username)
	if errors.Is(err, domain.ErrKeyNotFound) {
		return "", fmt.Errorf("%w: %s", domain.ErrUserNotFound, username)
	}
	return address, err
}

func (s *PeerDirectoryService) get(ctx context.Context, op, username string) (string, error) {
	return storeCall(ctx, s, op, func(ctx context.Context) (string, error) {
		return s.store.Get(ctx, username)
	})
}

// storeCall runs one store operation under the operation timeout and the
// circuit breaker. Everything except a missing key becomes
// ErrDirectoryUnavailable.
func storeCall[T any](ctx context.Context, s *PeerDirectoryService, op string, fn func(context.Context) (T, error)) (T, error) {
	if s.opts.OperationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.OperationTimeout)
		defer cancel()
	}

	result, err := circuitbreaker.ExecuteWithResult(ctx, s.breaker, func() (T, error) {
		return fn(ctx)
	})
	if err == nil || errors.Is(err, domain.ErrKeyNotFound) {
		return result, err
	}

	var zero T
	s.logger.Warnw("Directory operation failed", "operation", op, "error", err)
	return zero, fmt.Errorf("%w: %s: %v", domain.ErrDirectoryUnavailable, op, err)
}
