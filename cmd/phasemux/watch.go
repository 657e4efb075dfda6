package main

import (
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zsiec/phasemux/internal/certs"
	"github.com/zsiec/phasemux/internal/media"
	"github.com/zsiec/phasemux/internal/output"
)

func newWatchCmd() *cobra.Command {
	var fingerprint string

	cmd := &cobra.Command{
		Use:   "watch <addr>",
		Short: "Subscribe to a running phasemux QUIC output and print sequences",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var tlsConfig *tls.Config
			if fingerprint != "" {
				c, err := certs.PinnedClientConfig(fingerprint)
				if err != nil {
					return err
				}
				tlsConfig = c
			} else {
				fmt.Fprintln(os.Stderr, "warning: no --fingerprint given, server certificate is not verified")
			}

			out := cmd.OutOrStdout()
			announced := false
			err := output.Subscribe(ctx, args[0], tlsConfig, func(info media.StreamInfo, seq *media.Sequence) error {
				if !announced {
					announced = true
					if len(info.Video) > 0 {
						v := info.Video[0]
						fmt.Fprintf(out, "stream %dx%d @ %s, %d audio tracks\n", v.Width, v.Height, v.FrameRate, len(info.Audio))
					}
				}
				first, last := sequenceRange(seq)
				fmt.Fprintf(out, "%s tp=%d samples=%d clock=%d..%d\n", seq.Kind, seq.TP, len(seq.Samples), first, last)
				return nil
			})
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVar(&fingerprint, "fingerprint", "", "expected base64 SHA-256 certificate fingerprint")
	return cmd
}

// sequenceRange returns the default clock numbers of the first and last
// sample of seq.
func sequenceRange(seq *media.Sequence) (first, last int64) {
	if len(seq.Samples) == 0 {
		return 0, 0
	}
	if tl, ok := seq.Samples[0].TimeInfo(media.DefaultClock); ok {
		first = tl.Number
	}
	if tl, ok := seq.Samples[len(seq.Samples)-1].TimeInfo(media.DefaultClock); ok {
		last = tl.Number
	}
	return first, last
}
