package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cbegin/rtkernel-go"
)

func renderCommand(a *app) *cobra.Command {
	var (
		out     string
		seconds float64
	)
	cmd := &cobra.Command{
		Use:   "render",
		Short: "Render the sequence offline to a 16-bit WAV file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.newSession()
			if err != nil {
				return err
			}
			defer s.Close()

			s.track.PlayFromStart()
			samples, err := rtkernel.RenderSamples(s.chain, seconds)
			if err != nil {
				return err
			}
			f, err := os.Create(out)
			if err != nil {
				return err
			}
			if err := rtkernel.WriteWAV(f, samples, a.settings.Audio.SampleRate, 2); err != nil {
				f.Close()
				return fmt.Errorf("write %s: %w", out, err)
			}
			if err := f.Close(); err != nil {
				return err
			}
			a.log.Info("rendered", "file", out, "seconds", seconds, "frames", len(samples)/2)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "out.wav", "output WAV path")
	cmd.Flags().Float64Var(&seconds, "seconds", 4, "length to render")
	return cmd
}
