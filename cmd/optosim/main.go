// Optosim - PAC simulator for exercising optolink without hardware
//
// Streams telemetry datagrams over UDP and accepts register write
// commands on TCP, printing each one.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"optolink/logging"
	"optolink/opto"
)

var (
	udpTarget = flag.String("udp", "127.0.0.1:5005", "Gateway UDP address to stream telemetry to")
	interval  = flag.Duration("interval", 100*time.Millisecond, "Time between datagrams")
	tcpListen = flag.String("listen", "127.0.0.1:2001", "TCP address accepting register writes (empty disables)")
	logFile   = flag.String("log", "", "Also write received commands to this file")
)

func main() {
	flag.Parse()

	fl, err := logging.NewFileLogger(os.DevNull)
	if *logFile != "" {
		fl, err = logging.NewFileLogger(*logFile)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer fl.Close()
	fl.Tee(os.Stdout)
	logFn := fl.Func()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *tcpListen != "" {
		ln, err := net.Listen("tcp", *tcpListen)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		logFn("Accepting register writes on %s", ln.Addr())
		go acceptLoop(ctx, ln, logFn)
	}

	if err := stream(ctx, *udpTarget, *interval, logFn); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// simFrame fills a frame from tick n: floats follow a sine per channel,
// integers count up and digital i toggles every i+1 ticks.
func simFrame(n uint64) *opto.Frame {
	f := &opto.Frame{Length: opto.FrameSize, TransactionCode: 0x0A}
	for i := 0; i < opto.ChannelCount; i++ {
		phase := float64(n)/20 + float64(i)*math.Pi/32
		f.Floats[i] = opto.NullFloat32{Float32: float32(100 * math.Sin(phase)), Valid: true}
		f.Ints[i] = uint32(n) + uint32(i)*1000
		f.Digitals[i] = (n/uint64(i+1))%2 == 1
	}
	// one channel never carries a value
	f.Floats[opto.ChannelCount-1] = opto.NullFloat32{}
	return f
}

func stream(ctx context.Context, target string, every time.Duration, logFn logging.LogFunc) error {
	conn, err := net.Dial("udp", target)
	if err != nil {
		return err
	}
	defer conn.Close()
	logFn("Streaming telemetry to %s every %s", target, every)

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	var n uint64
	for {
		select {
		case <-ctx.Done():
			logFn("Sent %d datagrams", n)
			return ctx.Err()
		case <-ticker.C:
			if _, err := conn.Write(opto.EncodeFrame(simFrame(n))); err != nil {
				logging.DebugLog("opto/udp", "sim send: %v", err)
			}
			n++
		}
	}
}

func acceptLoop(ctx context.Context, ln net.Listener, logFn logging.LogFunc) {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		logFn("Writer connected from %s", conn.RemoteAddr())
		go serveCommands(conn, logFn)
	}
}

// serveCommands prints each fixed size command until the peer closes.
func serveCommands(conn net.Conn, logFn logging.LogFunc) {
	defer conn.Close()
	buf := make([]byte, opto.CommandSize)
	for {
		if _, err := io.ReadFull(conn, buf); err != nil {
			logFn("Writer %s closed: %v", conn.RemoteAddr(), err)
			return
		}
		address := hex.EncodeToString(buf[6:12])
		data := hex.EncodeToString(buf[12:16])
		label := ""
		if address[4:] == "f0380000" && data == "00000001" {
			label = " (power-up clear)"
		}
		logFn("Write %s = %s%s", address, data, label)
	}
}
