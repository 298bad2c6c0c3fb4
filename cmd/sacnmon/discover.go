package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/patchbay/sacn"
	"github.com/patchbay/sacn/discovery"
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Print universe-discovery advertisements as sources announce them",
	RunE:  runDiscover,
}

func init() {
	discoverCmd.Flags().StringVar(&flagCapture, "capture", "",
		`capture method: "" binds a UDP socket and joins the multicast group, "pcap" sniffs traffic off the wire with libpcap instead`)
}

type discoverDelegate struct{}

func (discoverDelegate) OnSourceInfo(info discovery.SourceInfo) {
	logger.Info().
		Str("cid", info.CID.String()).
		Str("name", info.Name).
		Ints("universes", uint16sToInts(info.Universes)).
		Msg("sacnmon: source discovered")
}

func (discoverDelegate) OnLostSources(cids []sacn.CID) {
	sourcesLost.Add(float64(len(cids)))
	for _, cid := range cids {
		logger.Info().Str("cid", cid.String()).Msg("sacnmon: discovery source lost")
	}
}

func (discoverDelegate) OnSocketClosed(iface string, err error) {
	logger.Warn().Str("interface", iface).Err(err).Msg("sacnmon: discovery socket closed")
}

func uint16sToInts(in []uint16) []int {
	out := make([]int, len(in))
	for i, v := range in {
		out[i] = int(v)
	}
	return out
}

func runDiscover(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(flagConfig)
	if err != nil {
		return err
	}

	r, err := discovery.New(discovery.Config{
		IPMode:        ipModeFromString(cfg.IPMode),
		Interfaces:    cfg.Interfaces,
		Logger:        logger,
		SocketFactory: captureSocketFactory(flagCapture),
	})
	if err != nil {
		return fmt.Errorf("sacnmon: building discovery receiver: %w", err)
	}
	r.SetDelegate(discoverDelegate{})

	serveMetrics(flagMetrics)

	if err := r.Start(); err != nil {
		return fmt.Errorf("sacnmon: starting discovery receiver: %w", err)
	}
	defer r.Stop()

	logger.Info().Msg("sacnmon: listening for universe-discovery advertisements")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info().Msg("sacnmon: discovery shutting down")
	return nil
}
