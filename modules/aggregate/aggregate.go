package aggregate

import (
	"context"
	"errors"
	"fmt"

	"github.com/chebyrash/promise"
)

// Aggregate runs a fixed set of plugins through Init, Start and Stop.
type Aggregate struct {
	ctx     context.Context
	cancel  context.CancelFunc
	plugins []Plugin
}

var _ Plugin = &Aggregate{}

func New(plugins []Plugin) *Aggregate {
	return NewWithContext(context.Background(), plugins)
}

// NewWithContext ties the lifetime of Run to ctx: cancelling it stops
// waiting on the plugins and moves on to Stop.
func NewWithContext(ctx context.Context, plugins []Plugin) *Aggregate {
	ctx, cancel := context.WithCancel(ctx)
	return &Aggregate{
		ctx,
		cancel,
		plugins,
	}
}

func (a *Aggregate) Run() error {
	if err := a.Init(); err != nil {
		return err
	}

	_, startErr := a.Start().Await(a.ctx)
	if errors.Is(startErr, context.Canceled) {
		startErr = nil
	}

	if err := a.Stop(); err != nil {
		return errors.Join(startErr, err)
	}

	return startErr
}

// Init implements Plugin.
func (a *Aggregate) Init() error {
	for i, p := range a.plugins {
		if err := p.Init(); err != nil {
			return fmt.Errorf("plugin %d (%T) failed to init: %w", i, p, err)
		}
	}
	return nil
}

// Start implements Plugin.
func (a *Aggregate) Start() *promise.Promise[any] {
	promises := make([]*promise.Promise[any], len(a.plugins))
	for i, p := range a.plugins {
		promises[i] = p.Start()
	}
	return promise.Then(
		promise.All(a.ctx, promises...),
		a.ctx,
		func([]any) (any, error) {
			return nil, nil
		},
	)
}

// Stop implements Plugin. Plugins are stopped in reverse order and every
// plugin gets a chance to stop even when an earlier one fails.
func (a *Aggregate) Stop() error {
	defer a.cancel()
	var errs []error
	for i := len(a.plugins) - 1; i >= 0; i-- {
		if err := a.plugins[i].Stop(); err != nil {
			errs = append(errs, fmt.Errorf("plugin %d (%T) failed to stop: %w", i, a.plugins[i], err))
		}
	}
	return errors.Join(errs...)
}

// Shutdown cancels a running Run.
func (a *Aggregate) Shutdown() {
	a.cancel()
}
