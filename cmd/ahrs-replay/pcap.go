//go:build pcap
// +build pcap

package main

import "github.com/banshee-data/attitude.report/internal/imu"

func readPCAPSamples(path string, udpPort int) ([]imu.Sample, error) {
	var samples []imu.Sample
	_, err := imu.ReadPCAP(path, udpPort, func(s imu.Sample) {
		samples = append(samples, s)
	})
	if err != nil {
		return nil, err
	}
	return samples, nil
}
