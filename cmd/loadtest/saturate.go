package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/whisper/roulette/internal/wsclient"
)

func newSaturateCommand() *cobra.Command {
	var (
		conns       int
		rampUp      time.Duration
		hold        time.Duration
		concurrency int
	)
	cmd := &cobra.Command{
		Use:   "saturate",
		Short: "Open many idle connections and hold them",
		RunE: func(cmd *cobra.Command, _ []string) error {
			url, _ := cmd.Flags().GetString("url")
			out := cmd.OutOrStdout()
			collector := wsclient.NewCollector()

			fmt.Fprintf(out, "Saturate test: %d connections to %s\n", conns, url)
			clients := connectAll(cmd.Context(), url, conns, rampUp, concurrency, collector)
			defer closeAll(clients)
			fmt.Fprintf(out, "Connected %d/%d (%d errors), holding for %s\n", len(clients), conns, collector.ErrorCount(), hold)

			select {
			case <-time.After(hold):
			case <-cmd.Context().Done():
			}

			dropped := 0
			for _, c := range clients {
				select {
				case <-c.Done():
					dropped++
				default:
				}
			}
			fmt.Fprintf(out, "Dropped during hold: %d\n", dropped)
			collector.Report(out)
			return nil
		},
	}
	cmd.Flags().IntVar(&conns, "conns", 1000, "number of connections")
	cmd.Flags().DurationVar(&rampUp, "ramp", 10*time.Second, "ramp-up duration")
	cmd.Flags().DurationVar(&hold, "hold", 60*time.Second, "how long to hold the connections open")
	cmd.Flags().IntVar(&concurrency, "concurrency", 100, "maximum simultaneous connection attempts")
	return cmd
}
