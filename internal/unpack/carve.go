package unpack

import (
	"context"

	"github.com/specialistvlad/slayer/internal/peimage"
)

// Carver finds a managed image stored as is inside the wrapper, in a
// section or in the overlay.
type Carver struct{}

// Name implements Unpacker.
func (Carver) Name() string { return "carve" }

// Unpack implements Unpacker.
func (Carver) Unpack(_ context.Context, img *peimage.Image) ([]byte, error) {
	data := img.Bytes()
	for i := 1; i+1 < len(data); i++ {
		if data[i] != 'M' || data[i+1] != 'Z' {
			continue
		}
		if !hasPESignature(data[i:], 0) {
			continue
		}
		if payload, ok := managedImage(data[i:]); ok {
			return payload, nil
		}
	}
	return nil, nil
}

// XorCarver finds a managed image obfuscated with a single-byte XOR key.
type XorCarver struct{}

// Name implements Unpacker.
func (XorCarver) Name() string { return "xor-carve" }

// Unpack implements Unpacker.
func (XorCarver) Unpack(_ context.Context, img *peimage.Image) ([]byte, error) {
	data := img.Bytes()
	for i := 1; i+1 < len(data); i++ {
		key := data[i] ^ 'M'
		if key == 0 || data[i+1]^key != 'Z' {
			continue
		}
		if !hasPESignature(data[i:], key) {
			continue
		}
		decoded := make([]byte, len(data)-i)
		for j := range decoded {
			decoded[j] = data[i+j] ^ key
		}
		if payload, ok := managedImage(decoded); ok {
			return payload, nil
		}
	}
	return nil, nil
}
