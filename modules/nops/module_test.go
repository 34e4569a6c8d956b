package nops

import (
	"context"
	"testing"

	"github.com/specialistvlad/slayer/internal/clr"
	"github.com/specialistvlad/slayer/internal/loader"
	"github.com/specialistvlad/slayer/internal/peimage"
	"github.com/specialistvlad/slayer/internal/pipeline"
	"github.com/specialistvlad/slayer/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFold(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		code    []byte
		clauses []clr.ExceptionClause
		want    []byte
		folded  int
	}{
		{
			name: "short branch to next instruction",
			// br.s +0; ldc.i4.1; ret
			code:   []byte{0x2B, 0x00, 0x17, 0x2A},
			want:   []byte{0x00, 0x00, 0x17, 0x2A},
			folded: 1,
		},
		{
			name: "long branch to next instruction",
			// br +0; ret
			code:   []byte{0x38, 0x00, 0x00, 0x00, 0x00, 0x2A},
			want:   []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x2A},
			folded: 1,
		},
		{
			name: "push then pop",
			// ldc.i4.s 7; pop; ldstr 0x70000001; pop; ret
			code:   []byte{0x1F, 0x07, 0x26, 0x72, 0x01, 0x00, 0x00, 0x70, 0x26, 0x2A},
			want:   []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x2A},
			folded: 4,
		},
		{
			name: "real branch is kept",
			// br.s +1; nop; ret
			code:   []byte{0x2B, 0x01, 0x00, 0x2A},
			want:   []byte{0x2B, 0x01, 0x00, 0x2A},
			folded: 0,
		},
		{
			name: "pop reached by a branch is kept",
			// ldc.i4.1; brtrue.s L; ldc.i4.2; L: pop; ret
			code:   []byte{0x17, 0x2D, 0x01, 0x18, 0x26, 0x2A},
			want:   []byte{0x17, 0x2D, 0x01, 0x18, 0x26, 0x2A},
			folded: 0,
		},
		{
			name: "pop at a handler boundary is kept",
			// ldnull; pop; ret
			code:    []byte{0x14, 0x26, 0x2A},
			clauses: []clr.ExceptionClause{{Kind: clr.ClauseFinally, TryOffset: 0, TryLength: 1, HandlerOffset: 1, HandlerLength: 1}},
			want:    []byte{0x14, 0x26, 0x2A},
			folded:  0,
		},
		{
			name: "instruction after a prefix is kept",
			// volatile.; br.s +0; ret
			code:   []byte{0xFE, 0x13, 0x2B, 0x00, 0x2A},
			want:   []byte{0xFE, 0x13, 0x2B, 0x00, 0x2A},
			folded: 0,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			body := &clr.MethodBody{Code: append([]byte(nil), tc.code...), Clauses: tc.clauses}
			n, err := Fold(body)
			require.NoError(t, err)
			assert.Equal(t, tc.folded, n)
			assert.Equal(t, tc.want, body.Code)
		})
	}
}

func TestFold_UndecodableBody(t *testing.T) {
	t.Parallel()
	body := &clr.MethodBody{Code: []byte{0xA6}}
	_, err := Fold(body)
	assert.Error(t, err)
	assert.Equal(t, []byte{0xA6}, body.Code)
}

func TestStage_ModuleRoundTrip(t *testing.T) {
	t.Parallel()
	img, err := peimage.New(testutil.BuildManagedPE(testutil.ManagedPE{
		Methods: []testutil.Method{
			// ldc.i4.5; pop; br.s +0; ldarg.0; ret
			{Name: "Junk", Code: []byte{0x1B, 0x26, 0x2B, 0x00, 0x02, 0x2A}, Params: 1, ReturnsValue: true, Fat: true, MaxStack: 8},
			{Name: "Broken", Code: []byte{0xA6, 0x2A}},
		},
	}))
	require.NoError(t, err)
	m, err := clr.Load(img, nil)
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, Stage{}.Execute(context.Background(), &loader.Loaded{Module: m}))

	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x00, 0x02, 0x2A}, m.Methods[0].Body.Code)
	assert.Equal(t, []byte{0xA6, 0x2A}, m.Methods[1].Body.Code)
	depth, err := m.MaxStack(m.Methods[0])
	require.NoError(t, err)
	assert.Equal(t, uint16(1), depth)
}

func TestRegister(t *testing.T) {
	t.Parallel()
	r := pipeline.New()
	(&Module{}).Register(r)
	assert.True(t, r.Has(Key))
}
