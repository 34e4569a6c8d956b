package unpack

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/specialistvlad/slayer/internal/ctxlog"
	"github.com/specialistvlad/slayer/internal/peimage"
	"github.com/specialistvlad/slayer/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wrapper(t *testing.T, w testutil.NativeWrapper) *peimage.Image {
	t.Helper()
	img, err := peimage.New(testutil.BuildNativeWrapper(w))
	require.NoError(t, err)
	t.Cleanup(func() { _ = img.Close() })
	return img
}

func TestStrategies(t *testing.T) {
	t.Parallel()
	payload := testutil.BuildManagedPE(testutil.ManagedPE{AssemblyName: "Inner"})

	testCases := []struct {
		name     string
		wrapper  testutil.NativeWrapper
		strategy Unpacker
		want     []byte
	}{
		{name: "carve from section", wrapper: testutil.NativeWrapper{Payload: payload}, strategy: Carver{}, want: payload},
		{name: "carve from overlay", wrapper: testutil.NativeWrapper{Payload: payload, InOverlay: true}, strategy: Carver{}, want: payload},
		{name: "carve ignores xor", wrapper: testutil.NativeWrapper{Payload: payload, XorKey: 0x5A}, strategy: Carver{}, want: nil},
		{name: "xor carve", wrapper: testutil.NativeWrapper{Payload: payload, XorKey: 0x5A}, strategy: XorCarver{}, want: payload},
		{name: "xor carve from overlay", wrapper: testutil.NativeWrapper{Payload: payload, XorKey: 0xC3, InOverlay: true}, strategy: XorCarver{}, want: payload},
		{name: "xor carve ignores plain", wrapper: testutil.NativeWrapper{Payload: payload}, strategy: XorCarver{}, want: nil},
		{
			name:     "native payload is not managed",
			wrapper:  testutil.NativeWrapper{Payload: testutil.BuildNativeWrapper(testutil.NativeWrapper{Payload: []byte("x")})},
			strategy: Carver{},
			want:     nil,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := tc.strategy.Unpack(context.Background(), wrapper(t, tc.wrapper))
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

type failing struct{}

func (failing) Name() string { return "failing" }
func (failing) Unpack(context.Context, *peimage.Image) ([]byte, error) {
	return nil, errors.New("boom")
}

func TestChain(t *testing.T) {
	t.Parallel()
	payload := testutil.BuildManagedPE(testutil.ManagedPE{})

	var buf bytes.Buffer
	ctx := ctxlog.WithLogger(context.Background(), slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	chain := Default()
	chain.Strategies = append([]Unpacker{failing{}}, chain.Strategies...)
	got, err := chain.Unpack(ctx, wrapper(t, testutil.NativeWrapper{Payload: payload, XorKey: 0x11}))
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	logs := buf.String()
	assert.Contains(t, logs, "strategy=failing")
	assert.Contains(t, logs, "fingerprint=push;mov;call;xor;pop;ret")
	assert.Contains(t, logs, "strategy=xor-carve")
}

func TestChain_NothingFound(t *testing.T) {
	t.Parallel()
	got, err := Default().Unpack(context.Background(), wrapper(t, testutil.NativeWrapper{Payload: []byte("MZ but nothing else")}))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestProbeStub(t *testing.T) {
	t.Parallel()

	info, err := ProbeStub(wrapper(t, testutil.NativeWrapper{Payload: []byte("x")}))
	require.NoError(t, err)
	assert.Equal(t, 6, info.Instructions)
	assert.Equal(t, "push;mov;call;xor;pop;ret", info.Fingerprint())
	assert.Equal(t, []uint32{0x1008}, info.Calls)
	assert.False(t, info.LeavesSection)

	// jmp rel32 to 0x2005, outside the 5-byte .text section
	info, err = ProbeStub(wrapper(t, testutil.NativeWrapper{Payload: []byte("x"), Stub: []byte{0xE9, 0x00, 0x10, 0x00, 0x00}}))
	require.NoError(t, err)
	assert.Equal(t, 1, info.Instructions)
	assert.Equal(t, []uint32{0x2005}, info.Jumps)
	assert.True(t, info.LeavesSection)
}
