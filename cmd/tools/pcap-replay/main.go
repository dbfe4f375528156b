// Command pcap-replay resends captured tag report datagrams to a running
// server, preserving the original inter-packet timing. Useful for replaying
// a recorded site session through a new solver configuration.
package main

import (
	"flag"
	"io"
	"log"
	"net"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

var (
	pcapFile = flag.String("file", "", "Path to the pcap capture file")
	target   = flag.String("target", "127.0.0.1:16061", "UDP address of the position server")
	port     = flag.Int("port", 16061, "Only replay datagrams captured to this destination port")
	speed    = flag.Float64("speed", 1.0, "Replay speed multiplier (2 = twice as fast)")
)

func main() {
	flag.Parse()
	if *pcapFile == "" {
		log.Fatal("-file is required")
	}

	f, err := os.Open(*pcapFile)
	if err != nil {
		log.Fatalf("failed to open pcap file: %v", err)
	}
	defer f.Close()

	reader, err := pcapgo.NewReader(f)
	if err != nil {
		log.Fatalf("failed to read pcap header: %v", err)
	}

	conn, err := net.Dial("udp", *target)
	if err != nil {
		log.Fatalf("failed to dial %s: %v", *target, err)
	}
	defer conn.Close()

	var sent, skipped int
	var lastTS time.Time
	for {
		data, ci, err := reader.ReadPacketData()
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Fatalf("failed to read packet: %v", err)
		}

		packet := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.Default)
		udpLayer := packet.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			skipped++
			continue
		}
		udp := udpLayer.(*layers.UDP)
		if int(udp.DstPort) != *port || len(udp.Payload) == 0 {
			skipped++
			continue
		}

		// Sleep out the original gap, scaled by the speed multiplier.
		if !lastTS.IsZero() {
			gap := ci.Timestamp.Sub(lastTS)
			if gap > 0 {
				time.Sleep(time.Duration(float64(gap) / *speed))
			}
		}
		lastTS = ci.Timestamp

		if _, err := conn.Write(udp.Payload); err != nil {
			log.Printf("send failed: %v", err)
			continue
		}
		sent++
	}

	log.Printf("replay complete: %d datagrams sent, %d packets skipped", sent, skipped)
}
