package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/patchbay/sacn"
	sacnsource "github.com/patchbay/sacn/source"
)

// transmitPeriod approximates the 44 Hz data cadence the source engine
// runs internally, purely to drive sacn_packets_sent_total: there is no
// per-packet hook on sacnsource.Delegate to count exactly.
const transmitPeriod = time.Second / 44

var sourceCmd = &cobra.Command{
	Use:   "source",
	Short: "Transmit one or more universes read from a config file",
	RunE:  runSource,
}

func runSource(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(flagConfig)
	if err != nil {
		return err
	}
	if len(cfg.Universes) == 0 {
		return fmt.Errorf("sacnmon: config has no [[universe]] entries to source")
	}

	src, err := sacnsource.New(sacnsource.Config{
		CID:             cfg.Universes[0].CID.CID,
		Name:            "sacnmon",
		IPMode:          ipModeFromString(cfg.IPMode),
		Interfaces:      cfg.Interfaces,
		DefaultPriority: sacn.DefaultPriority,
		Logger:          logger,
	})
	if err != nil {
		return fmt.Errorf("sacnmon: building source: %w", err)
	}

	for _, u := range cfg.Universes {
		su := sacn.SourceUniverse{Number: u.Number, Priority: &u.Priority}
		if err := src.AddUniverse(su, false); err != nil {
			return fmt.Errorf("sacnmon: adding universe %d: %w", u.Number, err)
		}
		if u.LevelsFile != "" {
			levels, err := os.ReadFile(u.LevelsFile)
			if err != nil {
				return fmt.Errorf("sacnmon: reading levels for universe %d: %w", u.Number, err)
			}
			if err := src.UpdateLevelsSlice(u.Number, levels); err != nil {
				return fmt.Errorf("sacnmon: levels file for universe %d must be exactly %d bytes: %w", u.Number, sacn.NumSlots, err)
			}
		}
	}

	serveMetrics(flagMetrics)

	if err := src.Start(true, false); err != nil {
		return fmt.Errorf("sacnmon: starting source: %w", err)
	}
	defer src.Stop()

	logger.Info().Int("universes", len(cfg.Universes)).Msg("sacnmon: source transmitting")

	done := make(chan struct{})
	defer close(done)
	go countTransmittedPackets(done, cfg.Universes)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info().Msg("sacnmon: source shutting down")
	return nil
}

func countTransmittedPackets(done <-chan struct{}, universes []UniverseConfig) {
	labels := make([]string, len(universes))
	for i, u := range universes {
		labels[i] = strconv.Itoa(int(u.Number))
	}
	ticker := time.NewTicker(transmitPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			for _, label := range labels {
				packetsSent.WithLabelValues(label).Inc()
			}
		}
	}
}
