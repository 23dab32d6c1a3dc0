package app

import (
	"context"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-faster/errors"
	"golang.org/x/sync/errgroup"
)

// CloseTimeout bounds how long Run may take to return after a shutdown
// signal. A Run that outlives it is abandoned and Close is called anyway.
const CloseTimeout = 15 * time.Second

type Entrypoint interface {
	io.Closer
	Init(ctx context.Context) error
	Run(ctx context.Context) error
}

// Run drives e until it returns or SIGINT/SIGTERM arrives. Close is called
// once Run has finished or CloseTimeout has passed since the signal.
func Run(ctx context.Context, e Entrypoint) error {
	return run(ctx, e, CloseTimeout)
}

func run(ctx context.Context, e Entrypoint, closeTimeout time.Duration) (err error) {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := e.Init(ctx); err != nil {
		if closeErr := e.Close(); closeErr != nil {
			err = errors.Wrapf(err, "close: %v", closeErr)
		}
		return errors.Wrap(err, "entrypoint init")
	}
	defer func() {
		if closeErr := e.Close(); closeErr != nil && err == nil {
			err = errors.Wrap(closeErr, "entrypoint close")
		}
	}()

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return e.Run(ctx)
	})

	done := make(chan error, 1)
	go func() {
		done <- eg.Wait()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}

	// graceful shutdown
	timer := time.NewTimer(closeTimeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return errors.Errorf("run did not stop within %s", closeTimeout)
	}
}
