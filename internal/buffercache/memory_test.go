package buffercache

import (
	"bytes"
	"testing"

	"github.com/ourfavoritefruits/yuzu-sub001/internal/gpu"
)

func TestDMACopyCarriesGpuWrites(t *testing.T) {
	for _, mode := range runtimeModes {
		t.Run(mode.name, func(t *testing.T) {
			env := newTestEnv(t, DefaultParams(), mode.opts)
			c := env.cache

			src, _ := c.CreateBuffer(0x21000, 0x100)
			dst, _ := c.CreateBuffer(0x61000, 0x100)
			c.SynchronizeBuffer(src, 0x21000, 0x100)
			c.SynchronizeBuffer(dst, 0x61000, 0x100)
			env.gpuWrite(t, src, 0x21000, 0x40, 0x99)

			handled, err := c.DMACopy(0x21000, 0x61000, 0x40)
			if err != nil || !handled {
				t.Fatalf("DMACopy = %v, %v", handled, err)
			}
			if got := env.hostBytes(t, dst, 0x61000, 0x40); !allBytes(got, 0x99) {
				t.Fatalf("device copy missing: % x", got)
			}
			if !c.IsRegionGpuModified(0x61000, 0x40) {
				t.Fatal("destination should inherit the pending GPU write")
			}
			if err := c.DownloadMemory(0x61000, 0x40); err != nil {
				t.Fatal(err)
			}
			if got := env.guestBytes(0x61000, 0x40); !allBytes(got, 0x99) {
				t.Errorf("guest = % x", got)
			}
		})
	}
}

func TestDMACopyUncachedFallsBack(t *testing.T) {
	env := newTestEnv(t, DefaultParams(), runtimeModes[0].opts)
	handled, err := env.cache.DMACopy(0x21000, 0x61000, 0x40)
	if err != nil || handled {
		t.Errorf("DMACopy = %v, %v; want false, nil", handled, err)
	}
	if handled, _ := env.cache.DMACopy(0x8, 0x61000, 0x40); handled {
		t.Error("unmapped source should not be handled")
	}
}

func TestDMAClear(t *testing.T) {
	env := newTestEnv(t, DefaultParams(), runtimeModes[1].opts)
	c := env.cache

	id, _ := c.CreateBuffer(0x21000, 0x100)
	env.guest.Fill(0x21000, 0x100, 0xff)

	handled, err := c.DMAClear(0x21010, 4, 0x04030201)
	if err != nil || !handled {
		t.Fatalf("DMAClear = %v, %v", handled, err)
	}
	want := bytes.Repeat([]byte{1, 2, 3, 4}, 4)
	if got := env.hostBytes(t, id, 0x21010, 0x10); !bytes.Equal(got, want) {
		t.Fatalf("host = % x", got)
	}
	if err := c.DownloadMemory(0x21000, 0x100); err != nil {
		t.Fatal(err)
	}
	if got := env.guestBytes(0x21010, 0x10); !bytes.Equal(got, want) {
		t.Errorf("guest = % x", got)
	}
}

func TestInlineMemory(t *testing.T) {
	env := newTestEnv(t, DefaultParams(), runtimeModes[1].opts)
	c := env.cache

	if ok, _ := c.InlineMemory(0x21000, []byte{1, 2, 3, 4}); ok {
		t.Fatal("inline write to an uncached range should fall back")
	}

	id, _ := c.CreateBuffer(0x21000, 0x100)
	c.SynchronizeBuffer(id, 0x21000, 0x100)
	if ok, _ := c.InlineMemory(0x21000, []byte{1, 2, 3, 4}); ok {
		t.Fatal("inline write to a page without GPU data should fall back")
	}

	env.gpuWrite(t, id, 0x21080, 0x10, 0xee)
	ok, err := c.InlineMemory(0x21000, []byte{1, 2, 3, 4})
	if err != nil || !ok {
		t.Fatalf("InlineMemory = %v, %v", ok, err)
	}
	if got := env.hostBytes(t, id, 0x21000, 4); !bytes.Equal(got, []byte{1, 2, 3, 4}) {
		t.Errorf("host = % x", got)
	}
	if got := env.hostBytes(t, id, 0x21080, 0x10); !allBytes(got, 0xee) {
		t.Errorf("neighbouring GPU data clobbered: % x", got)
	}
}

func TestObtainBuffer(t *testing.T) {
	env := newTestEnv(t, DefaultParams(), runtimeModes[0].opts)
	c := env.cache
	env.guest.Fill(0x31000, 0x40, 0x42)

	buf, offset, err := c.ObtainBuffer(0x31000, 0x40, ObtainFullSynchronize, ObtainMarkAsWritten)
	if err != nil {
		t.Fatal(err)
	}
	if offset != 0x1000 {
		t.Errorf("offset = %#x, want 0x1000", offset)
	}
	if buf.Size() != pageSize {
		t.Errorf("buffer size = %#x", buf.Size())
	}
	if !c.IsRegionGpuModified(0x31000, 0x40) {
		t.Error("ObtainMarkAsWritten should mark the range")
	}
	if err := gpu.WriteHostBuffer(buf, offset, bytes.Repeat([]byte{0xee}, 0x40)); err != nil {
		t.Fatal(err)
	}

	if _, _, err := c.ObtainBuffer(0x31000, 0x40, ObtainNoSynchronize, ObtainDiscardWrite); err != nil {
		t.Fatal(err)
	}
	if err := c.DownloadMemory(0x31000, 0x40); err != nil {
		t.Fatal(err)
	}
	if got := env.guestBytes(0x31000, 0x40); !allBytes(got, 0x42) {
		t.Errorf("discarded write reached guest: % x", got)
	}

	null, _, err := c.ObtainBuffer(0x8, 0x40, ObtainFullSynchronize, ObtainDoNothing)
	if err != nil || null.Size() != 0 {
		t.Errorf("unmapped address should return the null buffer, got %v, %v", null, err)
	}
}

func TestDMARejectsOversizedAmounts(t *testing.T) {
	env := newTestEnv(t, DefaultParams(), runtimeModes[0].opts)
	c := env.cache
	c.CreateBuffer(0x21000, 0x100)
	c.CreateBuffer(0x61000, 0x100)
	before := c.Stats()

	tests := []struct {
		name string
		run  func() (bool, error)
	}{
		{"copy above 4 GiB", func() (bool, error) { return c.DMACopy(0x21000, 0x61000, 1<<32+0x10) }},
		{"copy of nothing", func() (bool, error) { return c.DMACopy(0x21000, 0x61000, 0) }},
		{"clear above 4 GiB", func() (bool, error) { return c.DMAClear(0x21000, 1<<30, 0) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handled, err := tt.run()
			if err != nil || handled {
				t.Errorf("got %v, %v; want false, nil", handled, err)
			}
		})
	}

	after := c.Stats()
	if after.CreatedBuffers != before.CreatedBuffers || after.DeletedBuffers != before.DeletedBuffers {
		t.Error("rejected DMA touched the directory")
	}
}
