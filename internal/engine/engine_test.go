package engine

import "testing"

func TestDirtyFlags(t *testing.T) {
	var d DirtyFlags
	d.Set(VertexBuffer(31))
	if !d.Test(VertexBuffer(31)) || d.Test(VertexBuffer(30)) || d.Test(IndexBuffer) {
		t.Errorf("unexpected flags %b", d)
	}
	d.Clear(VertexBuffer(31))
	if d != 0 {
		t.Errorf("expected empty flags, got %b", d)
	}

	g := NewGraphics()
	for _, f := range []Flag{IndexBuffer, VertexBuffers, VertexBuffer(0), VertexBuffer(31)} {
		if !g.Dirty.Test(f) {
			t.Errorf("new register block should have flag %d set", f)
		}
	}
}

func TestGraphicsSetters(t *testing.T) {
	g := &Graphics{}
	g.SetVertexStream(4, VertexStream{Enable: true, Address: 0x1000, Limit: 0x2000, Stride: 16})
	if !g.Dirty.Test(VertexBuffers) || !g.Dirty.Test(VertexBuffer(4)) {
		t.Error("vertex stream update should mark it dirty")
	}
	g.SetIndexArray(IndexArray{StartAddress: 0x3000, EndAddress: 0x3100, Count: 6, FormatSize: 2})
	if !g.Dirty.Test(IndexBuffer) {
		t.Error("index update should mark it dirty")
	}
	g.BindConstBuffer(2, 0, 0x8000, 0x100)
	if cb := g.ConstBuffers[2][0]; !cb.Enabled || cb.Address != 0x8000 {
		t.Errorf("unexpected const buffer %+v", cb)
	}
}

func TestComputeConstBufferMask(t *testing.T) {
	var c Compute
	c.BindConstBuffer(3, 0x4000, 0x40)
	c.BindConstBuffer(0, 0x5000, 0x40)
	if c.ConstBufferMask != 0b1001 {
		t.Errorf("mask = %b, want 1001", c.ConstBufferMask)
	}
	c.BindConstBuffer(3, 0, 0)
	if c.ConstBufferMask != 0b1 {
		t.Errorf("mask = %b, want 1", c.ConstBufferMask)
	}
}
