//go:build pcap
// +build pcap

package imu

import (
	"bufio"
	"bytes"
	"fmt"
	"log"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
)

// ReadPCAP replays UDP-captured sensor frames from a capture file through
// the frame parser, calling handle for each good frame. A datagram may
// carry several newline-separated frames. Returns the number of frames
// parsed. Only available when building with the 'pcap' tag.
func ReadPCAP(path string, udpPort int, handle func(Sample)) (int, error) {
	h, err := pcap.OpenOffline(path)
	if err != nil {
		return 0, fmt.Errorf("open capture %s: %w", path, err)
	}
	defer h.Close()

	filter := fmt.Sprintf("udp port %d", udpPort)
	if err := h.SetBPFFilter(filter); err != nil {
		return 0, fmt.Errorf("set BPF filter %q: %w", filter, err)
	}

	src := gopacket.NewPacketSource(h, h.LinkType())
	frames := 0
	dropped := 0
	for packet := range src.Packets() {
		udpLayer := packet.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			continue
		}
		udp, ok := udpLayer.(*layers.UDP)
		if !ok || len(udp.Payload) == 0 {
			continue
		}
		sc := bufio.NewScanner(bytes.NewReader(udp.Payload))
		for sc.Scan() {
			line := sc.Text()
			if !IsFrame(line) {
				continue
			}
			s, err := ParseFrame(line)
			if err != nil {
				dropped++
				if dropped <= 5 {
					log.Printf("imu: dropping captured frame: %v", err)
				}
				continue
			}
			frames++
			handle(s)
		}
	}
	if dropped > 0 {
		log.Printf("imu: capture replay done: %d frames, %d dropped", frames, dropped)
	}
	return frames, nil
}
