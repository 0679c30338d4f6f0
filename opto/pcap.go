package opto

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"optolink/logging"
)

// ReplayConfig controls an offline PCAP replay.
type ReplayConfig struct {
	Port       int // UDP destination port to keep, 0 keeps every UDP packet
	Selections []ChannelSelection
	NaNPolicy  NaNPolicy
	// Speed scales the capture timing. 0 replays as fast as possible.
	Speed float64
}

// ReplayStats summarises a replay.
type ReplayStats struct {
	Packets  int
	Decoded  int
	Dropped  int
	Duration time.Duration
}

// ReplayPCAP reads a classic pcap capture from r and pushes every telemetry
// datagram through the same decode and map path as the live gateway. Each
// record is emitted as a one-element batch stamped with its capture time.
func ReplayPCAP(ctx context.Context, r io.Reader, cfg ReplayConfig, sink Sink) (ReplayStats, error) {
	var stats ReplayStats
	start := time.Now()

	reader, err := pcapgo.NewReader(r)
	if err != nil {
		return stats, fmt.Errorf("open pcap: %w", err)
	}

	source := gopacket.NewPacketSource(reader, reader.LinkType())
	source.NoCopy = true

	var last time.Time
	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		packet, err := source.NextPacket()
		if err == io.EOF {
			break
		}
		if err != nil {
			return stats, fmt.Errorf("read pcap: %w", err)
		}

		udpLayer := packet.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			continue
		}
		udp, ok := udpLayer.(*layers.UDP)
		if !ok || len(udp.Payload) == 0 {
			continue
		}
		if cfg.Port != 0 && int(udp.DstPort) != cfg.Port {
			continue
		}

		captured := packet.Metadata().Timestamp
		if cfg.Speed > 0 && !last.IsZero() {
			if d := time.Duration(float64(captured.Sub(last)) / cfg.Speed); d > 0 {
				select {
				case <-ctx.Done():
					return stats, ctx.Err()
				case <-time.After(d):
				}
			}
		}
		last = captured

		stats.Packets++
		frame, err := DecodeFrame(udp.Payload, cfg.NaNPolicy)
		if err != nil {
			stats.Dropped++
			logging.DebugError("opto/pcap", "pcap replay", err)
			continue
		}
		stats.Decoded++

		rec := Map(frame, cfg.Selections)
		rec.Time = captured
		if sink != nil {
			sink.Emit([]*Record{rec})
		}
	}

	stats.Duration = time.Since(start)
	return stats, nil
}
