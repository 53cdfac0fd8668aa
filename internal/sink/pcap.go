// Package sink implements the pipeline's outputs: a pcap writer for forwarded
// frames and the verdict reporters.
package sink

import (
	"errors"
	"fmt"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// PcapSink writes forwarded frames to a pcap file.
type PcapSink struct {
	file    *os.File
	writer  *pcapgo.Writer
	snapLen int
	written uint64
}

// CreatePcap creates (or truncates) path and writes the file header.
func CreatePcap(path string, snapLen int) (*PcapSink, error) {
	if path == "" {
		return nil, errors.New("output path is required")
	}
	if snapLen <= 0 {
		snapLen = 65535
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create pcap file %s: %w", path, err)
	}
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(uint32(snapLen), layers.LinkTypeEthernet); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write pcap header: %w", err)
	}
	return &PcapSink{file: f, writer: w, snapLen: snapLen}, nil
}

// WritePacket appends one frame, truncated to the snapshot length.
func (s *PcapSink) WritePacket(ci gopacket.CaptureInfo, data []byte) error {
	if s.writer == nil {
		return errors.New("pcap sink closed")
	}
	ci.Length = len(data)
	if len(data) > s.snapLen {
		data = data[:s.snapLen]
	}
	ci.CaptureLength = len(data)
	if err := s.writer.WritePacket(ci, data); err != nil {
		return fmt.Errorf("pcap write failed: %w", err)
	}
	s.written++
	return nil
}

// Written is the number of frames written so far.
func (s *PcapSink) Written() uint64 { return s.written }

// Close flushes and closes the file.
func (s *PcapSink) Close() error {
	s.writer = nil
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
