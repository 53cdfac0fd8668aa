package sa

import (
	"encoding/hex"
	"fmt"
	"net/netip"
	"os"

	"gopkg.in/yaml.v3"
)

// fileFormat is the on-disk SA table.
//
//	associations:
//	  - index: 256
//	    spi: 0x100
//	    salt: 0xdeadbeef
//	    key: "000102030405060708090a0b0c0d0e0f"
//	    key_size: 128
//	    auth: true
//	    valid: true
//	    seq: 5
//	outbound:
//	  - destination: 10.0.1.0/24
//	    index: 256
type fileFormat struct {
	Associations []fileRecord   `yaml:"associations"`
	Outbound     []fileSelector `yaml:"outbound"`
}

type fileRecord struct {
	Index   uint32 `yaml:"index"`
	SPI     uint32 `yaml:"spi"`
	Salt    uint32 `yaml:"salt"`
	Key     string `yaml:"key"`
	KeySize uint16 `yaml:"key_size"`
	ESN     bool   `yaml:"esn"`
	Auth    bool   `yaml:"auth"`
	Valid   bool   `yaml:"valid"`
	Seq     uint64 `yaml:"seq"`
}

type fileSelector struct {
	Destination string `yaml:"destination"`
	Index       uint32 `yaml:"index"`
}

// Parse decodes an SA table document.
func Parse(data []byte) ([]Record, []Selector, error) {
	var doc fileFormat
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("parse sa table: %w", err)
	}

	records := make([]Record, 0, len(doc.Associations))
	for _, fr := range doc.Associations {
		r, err := fr.record()
		if err != nil {
			return nil, nil, err
		}
		records = append(records, r)
	}

	selectors := make([]Selector, 0, len(doc.Outbound))
	for _, fs := range doc.Outbound {
		prefix, err := netip.ParsePrefix(fs.Destination)
		if err != nil {
			return nil, nil, fmt.Errorf("outbound selector %q: %w", fs.Destination, err)
		}
		selectors = append(selectors, Selector{Destination: prefix.Masked(), Index: fs.Index})
	}
	return records, selectors, nil
}

func (fr fileRecord) record() (Record, error) {
	r := Record{
		Index:         fr.Index,
		SPI:           fr.SPI,
		Salt:          fr.Salt,
		KeySize:       KeySize(fr.KeySize),
		ExtSeqEnabled: fr.ESN,
		AuthEnabled:   fr.Auth,
		Valid:         fr.Valid,
		Seq:           fr.Seq,
	}
	key, err := hex.DecodeString(fr.Key)
	if err != nil {
		return Record{}, fmt.Errorf("sa %d: key: %w", fr.Index, err)
	}
	if !r.KeySize.Valid() || len(key) != r.KeySize.Bytes() {
		return Record{}, fmt.Errorf("sa %d: %d key bytes for key_size %d: %w",
			fr.Index, len(key), fr.KeySize, ErrInvalidKeySize)
	}
	copy(r.Key[:], key)
	return r, nil
}

// LoadFile reads path and replaces the table contents with it.
func (t *Table) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read sa table %s: %w", path, err)
	}
	records, selectors, err := Parse(data)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return t.Replace(records, selectors)
}
