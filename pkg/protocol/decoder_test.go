package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stream(t testing.TB, pkgs ...*Package) []byte {
	t.Helper()
	var out []byte
	for _, p := range pkgs {
		b, err := p.Serialize(DefaultFormat)
		require.NoError(t, err)
		out = append(out, b...)
	}
	return out
}

// drain returns every package the decoder can produce without more input.
func drain(t testing.TB, d *Decoder) ([]*Package, []error) {
	t.Helper()
	var pkgs []*Package
	var errs []error
	for {
		p, err := d.Next()
		if errors.Is(err, ErrNeedMore) {
			return pkgs, errs
		}
		if err != nil {
			errs = append(errs, err)
			var de *DecodeError
			if errors.As(err, &de) && de.Fatal {
				return pkgs, errs
			}
			continue
		}
		pkgs = append(pkgs, p)
	}
}

func samplePackages() []*Package {
	return []*Package{
		New(TypePing),
		New("test.content").With("content", "hello"),
		fullPackage(),
	}
}

func assertSame(t *testing.T, want, got []*Package) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		assert.True(t, want[i].Equal(got[i]), "package %d: want %s got %s", i, want[i], got[i])
	}
}

func TestDecoderSplitAtEveryBoundary(t *testing.T) {
	want := samplePackages()
	data := stream(t, want...)
	for cut := 0; cut <= len(data); cut++ {
		d := NewDecoder()
		_, _ = d.Write(data[:cut])
		got, errs := drain(t, d)
		_, _ = d.Write(data[cut:])
		rest, errs2 := drain(t, d)
		require.Empty(t, errs, "cut %d", cut)
		require.Empty(t, errs2, "cut %d", cut)
		assertSame(t, want, append(got, rest...))
		assert.Zero(t, d.Buffered())
	}
}

func TestDecoderByteAtATime(t *testing.T) {
	want := samplePackages()
	data := stream(t, want...)
	d := NewDecoder()
	var got []*Package
	for i := range data {
		_, _ = d.Write(data[i : i+1])
		pkgs, errs := drain(t, d)
		require.Empty(t, errs)
		got = append(got, pkgs...)
	}
	assertSame(t, want, got)
}

func TestDecoderSkipsCorruptFrame(t *testing.T) {
	a, b, c := New("a"), New("b").With("k", "v"), New("c")
	bad := stream(t, b)
	bad[headerSize+1] ^= 0xff

	d := NewDecoder()
	_, _ = d.Write(stream(t, a))
	_, _ = d.Write(bad)
	_, _ = d.Write(stream(t, c))

	got, errs := drain(t, d)
	assertSame(t, []*Package{a, c}, got)
	require.Len(t, errs, 1)
	var de *DecodeError
	require.ErrorAs(t, errs[0], &de)
	assert.False(t, de.Fatal)
}

func TestDecoderFatalOnBadMagic(t *testing.T) {
	d := NewDecoder()
	_, _ = d.Write([]byte("GET / HTTP/1.1\r\n"))
	_, err := d.Next()
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.True(t, de.Fatal)

	_, _ = d.Write(stream(t, New(TypePing)))
	_, again := d.Next()
	assert.Equal(t, err, again)
}

func TestDecoderEarlyBadMagic(t *testing.T) {
	d := NewDecoder()
	_, _ = d.Write([]byte{'x', 'y'})
	_, err := d.Next()
	assert.True(t, IsDecodeError(err))
}

func TestDecoderMaxBodySize(t *testing.T) {
	d := NewDecoder()
	d.SetMaxBodySize(16)
	_, _ = d.Write(stream(t, fullPackage()))
	_, err := d.Next()
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.True(t, de.Fatal)
}

func FuzzDecoder(f *testing.F) {
	f.Add(stream(f, samplePackages()...), uint16(3))
	f.Add(stream(f, New(TypePing)), uint16(1))
	f.Add([]byte{0x44, 0x4c, 1, 2, 0xff, 0xff, 0, 0}, uint16(2))
	f.Fuzz(func(t *testing.T, data []byte, chunk uint16) {
		step := int(chunk%64) + 1
		d := NewDecoder()
		for i := 0; i < len(data); i += step {
			end := i + step
			if end > len(data) {
				end = len(data)
			}
			_, _ = d.Write(data[i:end])
			pkgs, _ := drain(t, d)
			for _, p := range pkgs {
				if p.Type() == "" {
					t.Fatalf("decoded package without type")
				}
				if _, err := p.Serialize(FormatCBOR); err != nil {
					t.Fatalf("decoded package does not re-serialize: %v", err)
				}
			}
		}
	})
}
