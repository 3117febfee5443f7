package image

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"

	"github.com/klauspost/reedsolomon"
)

const (
	paritySuffix  = ".parity"
	badSuffix     = ".bad"
	parityMagic   = 0x50474650 // "PGFP"
	parityVersion = 1

	// DefaultDataShards is the number of pieces the image is split into.
	DefaultDataShards = 8

	// magic u32, version u16, data u16, parity u16, reserved u16,
	// image size u64, shard size u64
	parityHeaderSize = 4 + 2 + 2 + 2 + 2 + 8 + 8
)

var (
	// ErrParityMismatch indicates a sidecar written for a different image
	ErrParityMismatch = errors.New("parity sidecar does not match image")
)

// parityConfig maintains a Reed-Solomon sidecar for the image. The sidecar
// holds a header, a CRC32 for every data and parity shard, and the parity
// shards themselves.
type parityConfig struct {
	path   string
	data   int
	parity int
	enc    reedsolomon.Encoder
}

func newParityConfig(path string, dataShards, parityShards int) (*parityConfig, error) {
	if dataShards <= 0 {
		dataShards = DefaultDataShards
	}
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, fmt.Errorf("failed to create parity encoder: %w", err)
	}
	return &parityConfig{path: path, data: dataShards, parity: parityShards, enc: enc}, nil
}

func (pc *parityConfig) exists() bool {
	_, err := os.Stat(pc.path)
	return err == nil
}

// shards splits a copy of image into data shards followed by empty parity
// shards.
func (pc *parityConfig) shards(image []byte) ([][]byte, error) {
	buf := make([]byte, len(image))
	copy(buf, image)
	return pc.enc.Split(buf)
}

// write recomputes parity for image and replaces the sidecar.
func (pc *parityConfig) write(image []byte) error {
	shards, err := pc.shards(image)
	if err != nil {
		return err
	}
	if err := pc.enc.Encode(shards); err != nil {
		return err
	}
	shardSize := len(shards[0])

	total := pc.data + pc.parity
	out := make([]byte, parityHeaderSize+4*total, parityHeaderSize+4*total+pc.parity*shardSize)
	binary.LittleEndian.PutUint32(out[0:], parityMagic)
	binary.LittleEndian.PutUint16(out[4:], parityVersion)
	binary.LittleEndian.PutUint16(out[6:], uint16(pc.data))
	binary.LittleEndian.PutUint16(out[8:], uint16(pc.parity))
	binary.LittleEndian.PutUint64(out[12:], uint64(len(image)))
	binary.LittleEndian.PutUint64(out[20:], uint64(shardSize))
	for i, shard := range shards {
		binary.LittleEndian.PutUint32(out[parityHeaderSize+4*i:], crc32.ChecksumIEEE(shard))
	}
	for _, shard := range shards[pc.data:] {
		out = append(out, shard...)
	}

	tmp := pc.path + ".tmp"
	if err := os.WriteFile(tmp, out, 0600); err != nil {
		return err
	}
	if err := os.Rename(tmp, pc.path); err != nil {
		return err
	}
	logger.Trace("Wrote parity sidecar: %d parity shards of %d bytes", pc.parity, shardSize)
	return nil
}

// repair checks image against the sidecar and rebuilds damaged regions in
// place. It returns the number of data shards rewritten. A missing sidecar
// is not an error.
func (pc *parityConfig) repair(image []byte) (int, error) {
	raw, err := os.ReadFile(pc.path)
	if errors.Is(err, os.ErrNotExist) {
		logger.Debug("No parity sidecar at %s", pc.path)
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read parity: %w", err)
	}
	if len(raw) < parityHeaderSize || binary.LittleEndian.Uint32(raw) != parityMagic {
		return 0, fmt.Errorf("%w: bad header", ErrParityMismatch)
	}

	dataShards := int(binary.LittleEndian.Uint16(raw[6:]))
	parityShards := int(binary.LittleEndian.Uint16(raw[8:]))
	imageSize := binary.LittleEndian.Uint64(raw[12:])
	shardSize := int(binary.LittleEndian.Uint64(raw[20:]))
	total := dataShards + parityShards

	switch {
	case dataShards != pc.data || parityShards != pc.parity:
		return 0, fmt.Errorf("%w: written with %d+%d shards, configured %d+%d",
			ErrParityMismatch, dataShards, parityShards, pc.data, pc.parity)
	case imageSize != uint64(len(image)):
		return 0, fmt.Errorf("%w: image size %d, sidecar for %d", ErrParityMismatch, len(image), imageSize)
	case len(raw) != parityHeaderSize+4*total+parityShards*shardSize:
		return 0, fmt.Errorf("%w: truncated sidecar", ErrParityMismatch)
	}

	shards, err := pc.shards(image)
	if err != nil {
		return 0, err
	}
	if len(shards[0]) != shardSize {
		return 0, fmt.Errorf("%w: shard size %d, sidecar has %d", ErrParityMismatch, len(shards[0]), shardSize)
	}
	body := raw[parityHeaderSize+4*total:]
	for i := 0; i < parityShards; i++ {
		shards[dataShards+i] = body[i*shardSize : (i+1)*shardSize]
	}

	var damaged []int
	for i, shard := range shards {
		want := binary.LittleEndian.Uint32(raw[parityHeaderSize+4*i:])
		if crc32.ChecksumIEEE(shard) != want {
			shards[i] = nil
			if i < dataShards {
				damaged = append(damaged, i)
			}
		}
	}
	if len(damaged) == 0 {
		return 0, nil
	}

	if err := pc.enc.ReconstructData(shards); err != nil {
		return 0, fmt.Errorf("failed to reconstruct image: %w", err)
	}
	for _, i := range damaged {
		off := i * shardSize
		if off >= len(image) {
			continue
		}
		copy(image[off:], shards[i])
	}
	return len(damaged), nil
}
