package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/patchbay/sacn"
	"github.com/patchbay/sacn/merged"
	"github.com/patchbay/sacn/receiver"
	"github.com/patchbay/sacn/socket"
)

var (
	flagUniverse uint16
	flagCapture  string
)

var receiveCmd = &cobra.Command{
	Use:   "receive",
	Short: "Join a universe and print merged frames as they resolve",
	RunE:  runReceive,
}

func init() {
	receiveCmd.Flags().Uint16Var(&flagUniverse, "universe", 1, "universe number to join")
	receiveCmd.Flags().StringVar(&flagCapture, "capture", "",
		`capture method: "" binds a UDP socket and joins the multicast group, "pcap" sniffs traffic off the wire with libpcap instead`)
}

// captureSocketFactory returns the receiver.Config.SocketFactory to use
// for the given --capture flag value, or nil to keep receiver.New's
// socket.Bind default.
func captureSocketFactory(capture string) func(sacn.IPFamily, string) (socket.Socket, error) {
	if capture != "pcap" {
		return nil
	}
	return func(family sacn.IPFamily, ifaceName string) (socket.Socket, error) {
		return socket.OpenPcap(ifaceName, family)
	}
}

type receiveDelegate struct {
	universe string
}

func (d *receiveDelegate) OnMergedFrame(f merged.Frame) {
	mergedFrames.WithLabelValues(d.universe).Inc()
	nonZero := 0
	for _, l := range f.Levels {
		if l > 0 {
			nonZero++
		}
	}
	logger.Info().
		Str("universe", d.universe).
		Int("active_sources", len(f.ActiveIDs)).
		Int("nonzero_slots", nonZero).
		Msg("sacnmon: merged frame")
}

func (d *receiveDelegate) OnLostSources(cids []sacn.CID) {
	sourcesLost.Add(float64(len(cids)))
	for _, cid := range cids {
		logger.Info().Str("universe", d.universe).Str("cid", cid.String()).Msg("sacnmon: source lost")
	}
}

func (d *receiveDelegate) OnLostPAP(cid sacn.CID) {
	logger.Info().Str("universe", d.universe).Str("cid", cid.String()).Msg("sacnmon: per-address priority stream lost")
}

func (d *receiveDelegate) OnExceededSources() {
	logger.Warn().Str("universe", d.universe).Msg("sacnmon: source limit exceeded")
}

func (d *receiveDelegate) OnSocketClosed(iface string, err error) {
	logger.Warn().Str("universe", d.universe).Str("interface", iface).Err(err).Msg("sacnmon: receive socket closed")
}

func runReceive(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(flagConfig)
	if err != nil {
		return err
	}

	m, err := merged.New(merged.Config{Config: receiver.Config{
		IPMode:        ipModeFromString(cfg.IPMode),
		Interfaces:    cfg.Interfaces,
		Universe:      flagUniverse,
		Logger:        logger,
		SocketFactory: captureSocketFactory(flagCapture),
	}})
	if err != nil {
		return fmt.Errorf("sacnmon: building receiver: %w", err)
	}
	m.SetDelegate(&receiveDelegate{universe: strconv.Itoa(int(flagUniverse))})

	serveMetrics(flagMetrics)

	if err := m.Start(); err != nil {
		return fmt.Errorf("sacnmon: starting receiver: %w", err)
	}
	defer m.Stop()

	logger.Info().Uint16("universe", flagUniverse).Msg("sacnmon: receiving")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info().Msg("sacnmon: receiver shutting down")
	return nil
}
