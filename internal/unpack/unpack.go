// Package unpack recovers a managed module embedded in a native wrapper.
//
// Strategies are tried in order by a Chain. A strategy that finds nothing
// returns a nil payload; only the first payload found is used.
package unpack

import (
	"bytes"
	"context"

	"github.com/specialistvlad/slayer/internal/clr"
	"github.com/specialistvlad/slayer/internal/ctxlog"
	"github.com/specialistvlad/slayer/internal/peimage"
)

// Unpacker extracts the bytes of an embedded managed image from img.
type Unpacker interface {
	Name() string
	Unpack(ctx context.Context, img *peimage.Image) ([]byte, error)
}

// Chain runs its strategies in order and returns the first payload.
type Chain struct {
	Strategies []Unpacker
	// Probe logs a fingerprint of the wrapper's entry stub before unpacking.
	Probe bool
}

// Default returns the built-in strategy chain.
func Default() *Chain {
	return &Chain{
		Strategies: []Unpacker{Carver{}, XorCarver{}},
		Probe:      true,
	}
}

// Name implements Unpacker.
func (c *Chain) Name() string { return "chain" }

// Unpack implements Unpacker. Strategy errors are logged and the next
// strategy is tried.
func (c *Chain) Unpack(ctx context.Context, img *peimage.Image) ([]byte, error) {
	logger := ctxlog.FromContext(ctx)
	if c.Probe {
		if info, err := ProbeStub(img); err != nil {
			logger.Debug("Entry stub could not be decoded.", "error", err)
		} else {
			logger.Debug("Native entry stub.", "fingerprint", info.Fingerprint(), "instructions", info.Instructions, "calls", len(info.Calls), "leaves_section", info.LeavesSection)
		}
	}
	for _, s := range c.Strategies {
		payload, err := s.Unpack(ctx, img)
		if err != nil {
			logger.Warn("Unpacking strategy failed.", "strategy", s.Name(), "error", err)
			continue
		}
		if payload != nil {
			logger.Info("Embedded managed image found.", "strategy", s.Name(), "size", len(payload))
			return payload, nil
		}
		logger.Debug("Unpacking strategy found nothing.", "strategy", s.Name())
	}
	return nil, nil
}

// managedImage validates data as a managed PE image and returns it cut to
// the end of its last section.
func managedImage(data []byte) ([]byte, bool) {
	img, err := peimage.New(data)
	if err != nil {
		return nil, false
	}
	defer img.Close()
	if _, _, err := clr.ReadHeaders(img); err != nil {
		return nil, false
	}
	return bytes.Clone(data[:img.EndOfImage()]), true
}

// hasPESignature reports whether data starts with a DOS header whose
// e_lfanew points at a PE signature. key is XOR-ed into every byte read.
func hasPESignature(data []byte, key byte) bool {
	if len(data) < 0x40 {
		return false
	}
	var lfanew uint32
	for i := 3; i >= 0; i-- {
		lfanew = lfanew<<8 | uint32(data[0x3C+i]^key)
	}
	if uint64(lfanew)+4 > uint64(len(data)) {
		return false
	}
	sig := data[lfanew : lfanew+4]
	return sig[0]^key == 'P' && sig[1]^key == 'E' && sig[2]^key == 0 && sig[3]^key == 0
}
