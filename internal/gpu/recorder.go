package gpu

import "sync"

// BindKind names a host binding call.
type BindKind int

const (
	BindIndex BindKind = iota
	BindVertex
	BindUniform
	BindFastUniform
	BindStorage
	BindTexture
	BindTransformFeedback
)

func (k BindKind) String() string {
	switch k {
	case BindIndex:
		return "index"
	case BindVertex:
		return "vertex"
	case BindUniform:
		return "uniform"
	case BindFastUniform:
		return "fast-uniform"
	case BindStorage:
		return "storage"
	case BindTexture:
		return "texture"
	case BindTransformFeedback:
		return "transform-feedback"
	default:
		return "unknown"
	}
}

// BindCall is one recorded host binding.
type BindCall struct {
	Kind    BindKind
	Stage   int
	Index   int
	Buffer  Buffer
	Offset  uint64
	Size    uint64
	Written bool
	Extra   uint32 // index format size, vertex stride or texel format
}

// bindRecorder implements Binder by recording calls.
type bindRecorder struct {
	mu       sync.Mutex
	calls    []BindCall
	fastData map[[2]int][]byte
}

func (r *bindRecorder) record(call BindCall) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *bindRecorder) BindIndexBuffer(buf Buffer, offset, size uint64, formatSize uint32) {
	r.record(BindCall{Kind: BindIndex, Buffer: buf, Offset: offset, Size: size, Extra: formatSize})
}

func (r *bindRecorder) BindVertexBuffer(index int, buf Buffer, offset, size uint64, stride uint32) {
	r.record(BindCall{Kind: BindVertex, Index: index, Buffer: buf, Offset: offset, Size: size, Extra: stride})
}

func (r *bindRecorder) BindUniformBuffer(stage, index int, buf Buffer, offset, size uint64) {
	r.record(BindCall{Kind: BindUniform, Stage: stage, Index: index, Buffer: buf, Offset: offset, Size: size})
}

func (r *bindRecorder) BindFastUniformBuffer(stage, index int, size uint32) {
	r.record(BindCall{Kind: BindFastUniform, Stage: stage, Index: index, Size: uint64(size)})
}

func (r *bindRecorder) PushFastUniformBuffer(stage, index int, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fastData == nil {
		r.fastData = make(map[[2]int][]byte)
	}
	r.fastData[[2]int{stage, index}] = append([]byte(nil), data...)
}

func (r *bindRecorder) BindStorageBuffer(stage, index int, buf Buffer, offset, size uint64, written bool) {
	r.record(BindCall{Kind: BindStorage, Stage: stage, Index: index, Buffer: buf, Offset: offset, Size: size, Written: written})
}

func (r *bindRecorder) BindTextureBuffer(stage, index int, buf Buffer, offset, size uint64, format uint32) {
	r.record(BindCall{Kind: BindTexture, Stage: stage, Index: index, Buffer: buf, Offset: offset, Size: size, Extra: format})
}

func (r *bindRecorder) BindTransformFeedbackBuffer(index int, buf Buffer, offset, size uint64) {
	r.record(BindCall{Kind: BindTransformFeedback, Index: index, Buffer: buf, Offset: offset, Size: size})
}

// BindCalls returns the recorded calls and clears the log.
func (r *bindRecorder) BindCalls() []BindCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	calls := r.calls
	r.calls = nil
	return calls
}

// FastUniformData returns the last bytes pushed to a fast uniform slot.
func (r *bindRecorder) FastUniformData(stage, index int) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fastData[[2]int{stage, index}]
}
