// Package source provides packet sources for the pipeline.
package source

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"firestige.xyz/inlineesp/internal/log"
)

var pcapngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// FileSource reads Ethernet frames from a pcap or pcapng file.
type FileSource struct {
	path     string
	file     *os.File
	reader   packetReader
	filter   *Filter
	filtered uint64
}

// OpenFile opens path and checks that it carries Ethernet frames. filter may
// be nil.
func OpenFile(path string, filter *Filter) (*FileSource, error) {
	if path == "" {
		return nil, errors.New("file path is required")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open pcap file %s: %w", path, err)
	}

	r, err := newReader(bufio.NewReader(f))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read pcap file %s: %w", path, err)
	}
	if r.LinkType() != layers.LinkTypeEthernet {
		f.Close()
		return nil, fmt.Errorf("pcap file %s: unsupported link type %s", path, r.LinkType())
	}

	log.GetLogger().WithFields(map[string]interface{}{
		"path":   path,
		"filter": filter.String(),
	}).Info("file source opened")
	return &FileSource{path: path, file: f, reader: r, filter: filter}, nil
}

func newReader(br *bufio.Reader) (packetReader, error) {
	magic, err := br.Peek(4)
	if err != nil {
		return nil, err
	}
	if bytes.Equal(magic, pcapngMagic) {
		return pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	}
	return pcapgo.NewReader(br)
}

// ReadPacket returns the next frame accepted by the filter, or io.EOF.
func (fs *FileSource) ReadPacket() ([]byte, gopacket.CaptureInfo, error) {
	if fs.reader == nil {
		return nil, gopacket.CaptureInfo{}, errors.New("file source closed")
	}
	for {
		data, ci, err := fs.reader.ReadPacketData()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, gopacket.CaptureInfo{}, io.EOF
			}
			return nil, gopacket.CaptureInfo{}, fmt.Errorf("failed to read packet: %w", err)
		}
		if !fs.filter.Match(data) {
			fs.filtered++
			continue
		}
		return data, ci, nil
	}
}

// Filtered is the number of frames the prefilter rejected.
func (fs *FileSource) Filtered() uint64 { return fs.filtered }

// Close releases the file.
func (fs *FileSource) Close() error {
	fs.reader = nil
	if fs.file == nil {
		return nil
	}
	err := fs.file.Close()
	fs.file = nil
	return err
}
