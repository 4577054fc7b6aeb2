package app

import (
	"context"
	"net"
)

// Run starts the App and keeps it running until ctx is done, serving the observability
// endpoints when MetricsAddr is set. The App is closed on return.
func (a *App) Run(ctx context.Context) error {
	defer a.Close()

	if err := a.Start(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	if a.cfg.MetricsAddr != "" {
		ln, err := net.Listen("tcp", a.cfg.MetricsAddr)
		if err != nil {
			return err
		}
		go func() { errCh <- a.ServeHTTP(ctx, ln) }()
	}

	select {
	case <-ctx.Done():
		a.log.Info("app.stop", "reason", "context_done")
		return nil
	case err := <-errCh:
		return err
	}
}
