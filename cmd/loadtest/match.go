package main

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/whisper/roulette/internal/protocol"
	"github.com/whisper/roulette/internal/relay"
	"github.com/whisper/roulette/internal/wsclient"
)

// Latency series reported by the match test.
const (
	seriesConnect = "Connect Latency"
	seriesMatch   = "Match Latency"
	seriesRelay   = "Relay Latency"
)

func newMatchCommand() *cobra.Command {
	var (
		pairs        int
		rampUp       time.Duration
		matchTimeout time.Duration
		concurrency  int
	)
	cmd := &cobra.Command{
		Use:   "match",
		Short: "Connect users in pairs, match them, exchange a message and end",
		RunE: func(cmd *cobra.Command, _ []string) error {
			url, _ := cmd.Flags().GetString("url")
			collector := wsclient.NewCollector()
			out := cmd.OutOrStdout()

			fmt.Fprintf(out, "Match test: %d pairs (%d clients) to %s\n", pairs, pairs*2, url)

			clients := connectAll(cmd.Context(), url, pairs*2, rampUp, concurrency, collector)
			defer closeAll(clients)
			fmt.Fprintf(out, "Connected %d/%d clients (%d errors)\n", len(clients), pairs*2, collector.ErrorCount())

			var matched, relayed atomic.Int64
			var wg sync.WaitGroup
			start := time.Now()
			for _, c := range clients {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ctx, cancel := context.WithTimeout(cmd.Context(), matchTimeout)
					defer cancel()
					m, r := runConversation(ctx, c, collector)
					if m {
						matched.Add(1)
					}
					if r {
						relayed.Add(1)
					}
				}()
			}
			wg.Wait()
			elapsed := time.Since(start)

			fmt.Fprintf(out, "\n--- Match Results ---\n")
			fmt.Fprintf(out, "Clients matched:   %d / %d\n", matched.Load(), len(clients))
			fmt.Fprintf(out, "Messages relayed:  %d / %d\n", relayed.Load(), len(clients))
			fmt.Fprintf(out, "Duration:          %s\n", elapsed.Round(time.Millisecond))
			if elapsed.Seconds() > 0 {
				fmt.Fprintf(out, "Throughput:        %.1f pairs/s\n", float64(matched.Load())/2/elapsed.Seconds())
			}
			collector.Report(out)
			return nil
		},
	}
	cmd.Flags().IntVar(&pairs, "pairs", 500, "number of user pairs")
	cmd.Flags().DurationVar(&rampUp, "ramp", 10*time.Second, "ramp-up duration for connection creation")
	cmd.Flags().DurationVar(&matchTimeout, "match-timeout", 30*time.Second, "per-client timeout for the whole conversation")
	cmd.Flags().IntVar(&concurrency, "concurrency", 50, "maximum simultaneous connection attempts")
	return cmd
}

// runConversation searches, waits for a partner, sends one message and
// waits for the partner's. Whoever receives a message first ends the chat.
func runConversation(ctx context.Context, c *wsclient.Client, collector *wsclient.Collector) (matched, relayed bool) {
	start := time.Now()
	if err := c.SendType(protocol.TypeFindPartner); err != nil {
		collector.AddError()
		return false, false
	}

	for {
		m, err := c.Next(ctx)
		if err != nil {
			collector.AddError()
			return matched, relayed
		}
		switch m.Type {
		case protocol.TypeSearching:
		case protocol.TypeMatched:
			matched = true
			collector.Add(seriesMatch, time.Since(start))
			sentAt := time.Now()
			err := c.Send(protocol.ContentMsg{
				Type:    protocol.TypeMessage,
				Content: relay.Content{Kind: relay.KindText, Text: sentAt.Format(time.RFC3339Nano)},
			})
			if err != nil {
				collector.AddError()
				return matched, relayed
			}
		case protocol.TypeMessage:
			var msg protocol.ServerContentMsg
			if err := m.Decode(&msg); err == nil {
				if sent, err := time.Parse(time.RFC3339Nano, msg.Text); err == nil {
					collector.Add(seriesRelay, time.Since(sent))
				}
			}
			relayed = true
			_ = c.SendType(protocol.TypeEndChat)
		case protocol.TypeChatEnded:
			return matched, relayed
		case protocol.TypePartnerLeft:
			// The gateway may have requeued us; leave so we are not paired
			// with a client that is still mid-conversation.
			_ = c.SendType(protocol.TypeCancelSearch)
			return matched, relayed
		case protocol.TypeError, protocol.TypeRateLimited, protocol.TypeRelayFailed:
			collector.AddError()
			return matched, relayed
		}
	}
}

func connectAll(ctx context.Context, url string, n int, rampUp time.Duration, concurrency int, collector *wsclient.Collector) []*wsclient.Client {
	interval := rampUp / time.Duration(max(n, 1))
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var (
		mu      sync.Mutex
		clients = make([]*wsclient.Client, 0, n)
		wg      sync.WaitGroup
		sem     = make(chan struct{}, max(concurrency, 1))
	)
	for launched := 0; launched < n; launched++ {
		select {
		case <-ctx.Done():
			wg.Wait()
			return clients
		case <-ticker.C:
		}
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			c, err := wsclient.Dial(connCtx, url)
			if err != nil {
				collector.AddError()
				return
			}
			if err := c.WaitForSession(connCtx); err != nil {
				collector.AddError()
				c.Close()
				return
			}
			collector.Add(seriesConnect, c.GetMetrics().ConnectLatency)

			mu.Lock()
			clients = append(clients, c)
			mu.Unlock()
		}()
	}
	wg.Wait()
	return clients
}

func closeAll(clients []*wsclient.Client) {
	for _, c := range clients {
		c.Close()
	}
}
