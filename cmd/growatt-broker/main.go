package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/rs/zerolog"

	"github.com/l4m4re/growatt-rtu-broker/internal/broker"
	"github.com/l4m4re/growatt-rtu-broker/internal/config"
)

func main() {
	var cfg config.Config
	parser := flags.NewParser(&cfg, flags.Default)
	parser.Usage = "--inverter /dev/ttyUSB0 [OPTIONS]"
	if _, err := parser.Parse(); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	if err := cfg.LoadRules(); err != nil {
		log.Fatal().Err(err).Msg("access rules")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("configuration")
	}

	b, err := broker.New(&cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
	b.Start()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	s := <-sig
	log.Info().Str("signal", s.String()).Msg("shutting down")
	b.Stop()
}
