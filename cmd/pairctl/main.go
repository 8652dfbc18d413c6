// Command pairctl is the operator CLI: schema migrations, priority grants
// and profile maintenance.
package main

import (
	"fmt"
	"os"

	"github.com/whisper/roulette/internal/config"
	"github.com/whisper/roulette/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	a := newApp(cfg, logger)
	defer a.close()

	if err := newRootCommand(a).Execute(); err != nil {
		os.Exit(1)
	}
}
