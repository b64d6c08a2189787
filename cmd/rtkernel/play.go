package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cbegin/rtkernel-go"
	"github.com/cbegin/rtkernel-go/internal/measure"
)

func playCommand(a *app) *cobra.Command {
	var volume float64
	cmd := &cobra.Command{
		Use:   "play",
		Short: "Play the sequence on the default audio device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.newSession()
			if err != nil {
				return err
			}
			defer s.Close()

			pl, err := rtkernel.NewPlayer(s.chain, rtkernel.WithTrack(s.track), rtkernel.WithPlayerLogger(a.log))
			if err != nil {
				return err
			}
			pl.SetMasterVolume(volume)

			runCtx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			g, ctx := errgroup.WithContext(runCtx)
			if addr := a.settings.Metrics.Addr; addr != "" {
				srv := metricsServer(addr, s.chain)
				g.Go(func() error {
					a.log.Info("serving metrics", "addr", addr)
					if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
			}

			events := pl.Watch()
			if err := pl.Play(); err != nil {
				return err
			}
			g.Go(func() error {
				// ends the metrics server once playback is over
				defer cancel()
				for {
					select {
					case <-ctx.Done():
						return pl.Stop()
					case ev := <-events:
						switch ev.Kind {
						case rtkernel.EventLoopCompleted:
							a.log.Info("loop completed", "plays", ev.Plays)
						case rtkernel.EventPlaybackEnded:
							a.log.Info("playback ended", "plays", ev.Plays)
							return errors.Join(pl.Err(), pl.Stop())
						}
					}
				}
			})
			return g.Wait()
		},
	}
	cmd.Flags().Float64Var(&volume, "volume", 1, "master volume")
	return cmd
}

// metricsServer exposes render load for every unit in the chain.
func metricsServer(addr string, c *rtkernel.Chain) *http.Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	coll := measure.NewCollector()
	for _, u := range c.Units() {
		coll.Add(u.Name(), measure.Attach(u))
	}
	reg.MustRegister(coll)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{ErrorHandling: promhttp.HTTPErrorOnError}))
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}
