//go:build !pcap
// +build !pcap

package main

import (
	"fmt"

	"github.com/banshee-data/attitude.report/internal/imu"
)

func readPCAPSamples(path string, udpPort int) ([]imu.Sample, error) {
	return nil, fmt.Errorf("pcap replay requires a binary built with -tags pcap")
}
