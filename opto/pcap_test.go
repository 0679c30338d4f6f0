package opto

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

func udpPacket(t *testing.T, dstPort uint16, payload []byte) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x00, 0xA0, 0x3D, 0x00, 0x00, 0x01},
		DstMAC:       net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IPv4(10, 0, 0, 1),
		DstIP:    net.IPv4(10, 0, 0, 2),
	}
	udp := &layers.UDP{SrcPort: 5005, DstPort: layers.UDPPort(dstPort)}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatalf("checksum layer: %v", err)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)); err != nil {
		t.Fatalf("serialize: %v", err)
	}
	return buf.Bytes()
}

func writeCapture(t *testing.T, packets [][]byte, start time.Time) *bytes.Buffer {
	t.Helper()
	var out bytes.Buffer
	w := pcapgo.NewWriter(&out)
	if err := w.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		t.Fatalf("file header: %v", err)
	}
	for i, p := range packets {
		ci := gopacket.CaptureInfo{
			Timestamp:     start.Add(time.Duration(i) * 10 * time.Millisecond),
			CaptureLength: len(p),
			Length:        len(p),
		}
		if err := w.WritePacket(ci, p); err != nil {
			t.Fatalf("write packet: %v", err)
		}
	}
	return &out
}

func TestReplayPCAP(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	capture := writeCapture(t, [][]byte{
		udpPacket(t, 5005, telemetry(11)),
		udpPacket(t, 5005, []byte{0xDE, 0xAD}),
		udpPacket(t, 9999, telemetry(99)),
		udpPacket(t, 5005, telemetry(12)),
	}, start)

	sink := newRecordingSink()
	stats, err := ReplayPCAP(context.Background(), capture, ReplayConfig{
		Port:       5005,
		Selections: testSelections,
	}, sink)
	if err != nil {
		t.Fatalf("ReplayPCAP: %v", err)
	}

	if stats.Packets != 3 || stats.Decoded != 2 || stats.Dropped != 1 {
		t.Errorf("stats = %+v, want 3 packets, 2 decoded, 1 dropped", stats)
	}

	batches := sink.Batches()
	if len(batches) != 2 {
		t.Fatalf("batches = %d, want 2", len(batches))
	}
	if v, _ := batches[0][0].Get("count"); v != uint32(11) {
		t.Errorf("first count = %v, want 11", v)
	}
	if v, _ := batches[1][0].Get("count"); v != uint32(12) {
		t.Errorf("second count = %v, want 12", v)
	}
	if !batches[0][0].Time.Equal(start) {
		t.Errorf("record time = %v, want capture time %v", batches[0][0].Time, start)
	}
}

func TestReplayPCAP_AllPorts(t *testing.T) {
	capture := writeCapture(t, [][]byte{
		udpPacket(t, 5005, telemetry(1)),
		udpPacket(t, 6000, telemetry(2)),
	}, time.Now())

	stats, err := ReplayPCAP(context.Background(), capture, ReplayConfig{Selections: testSelections}, nil)
	if err != nil {
		t.Fatalf("ReplayPCAP: %v", err)
	}
	if stats.Decoded != 2 {
		t.Errorf("decoded = %d, want 2", stats.Decoded)
	}
}

func TestReplayPCAP_BadHeader(t *testing.T) {
	if _, err := ReplayPCAP(context.Background(), bytes.NewReader([]byte("not a pcap")), ReplayConfig{}, nil); err == nil {
		t.Error("expected error for invalid capture")
	}
}

func TestReplayPCAP_Cancelled(t *testing.T) {
	capture := writeCapture(t, [][]byte{udpPacket(t, 5005, telemetry(1))}, time.Now())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := ReplayPCAP(ctx, capture, ReplayConfig{}, nil); err != context.Canceled {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
