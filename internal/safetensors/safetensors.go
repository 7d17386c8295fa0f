// Package safetensors reads and writes the safetensors weight format:
// an 8-byte little-endian header length, a JSON header mapping tensor
// names to dtype/shape/offsets, then the raw tensor bytes.
package safetensors

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	json "github.com/goccy/go-json"
	"golang.org/x/sys/unix"
)

// maxHeaderSize bounds the JSON header so a corrupt length cannot trigger a
// huge allocation.
const maxHeaderSize = 100 << 20

var (
	ErrCorruptFile    = errors.New("safetensors: corrupt file")
	ErrTensorNotFound = errors.New("tensor not found")
)

type TensorInfo struct {
	DType string
	Shape []int
	Start int64
	End   int64
}

// File is an opened safetensors file. Tensor bytes are served from a
// read-only memory mapping when the platform allows it.
type File struct {
	Path     string
	Tensors  map[string]TensorInfo
	Metadata map[string]string

	data    []byte // tensor data section
	mapping []byte // whole-file mapping, nil when read into memory
}

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

// Open parses the header of path and maps its data section.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := st.Size()

	headerLen, err := readU64(f)
	if err != nil {
		return nil, fmt.Errorf("%w: read header length: %v", ErrCorruptFile, err)
	}
	if headerLen > maxHeaderSize || int64(headerLen)+8 > size {
		return nil, fmt.Errorf("%w: header length %d exceeds file size %d", ErrCorruptFile, headerLen, size)
	}
	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(f, headerBytes); err != nil {
		return nil, fmt.Errorf("%w: read header: %v", ErrCorruptFile, err)
	}
	tensors, meta, err := parseHeader(headerBytes)
	if err != nil {
		return nil, err
	}

	dataStart := int64(8 + headerLen)
	out := &File{Path: path, Tensors: tensors, Metadata: meta}

	if size > 0 {
		if m, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED); err == nil {
			out.mapping = m
			out.data = m[dataStart:]
		}
	}
	if out.mapping == nil {
		buf := make([]byte, size-dataStart)
		if _, err := f.ReadAt(buf, dataStart); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read tensor data: %w", err)
		}
		out.data = buf
	}

	for name, t := range tensors {
		if t.End < t.Start || t.Start < 0 {
			_ = out.Close()
			return nil, fmt.Errorf("%w: tensor %s: invalid offsets [%d,%d]", ErrCorruptFile, name, t.Start, t.End)
		}
		if t.End > int64(len(out.data)) {
			_ = out.Close()
			return nil, fmt.Errorf("%w: tensor %s: offsets past end of data", ErrCorruptFile, name)
		}
	}
	return out, nil
}

func parseHeader(headerBytes []byte) (map[string]TensorInfo, map[string]string, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &raw); err != nil {
		return nil, nil, fmt.Errorf("%w: parse header: %v", ErrCorruptFile, err)
	}
	var meta map[string]string
	if m, ok := raw["__metadata__"]; ok {
		_ = json.Unmarshal(m, &meta)
		delete(raw, "__metadata__")
	}

	tensors := make(map[string]TensorInfo, len(raw))
	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, nil, fmt.Errorf("parse tensor %s: %w", name, err)
		}
		if len(th.DataOffsets) != 2 {
			return nil, nil, fmt.Errorf("tensor %s: invalid data_offsets", name)
		}
		tensors[name] = TensorInfo{
			DType: th.DType,
			Shape: th.Shape,
			Start: th.DataOffsets[0],
			End:   th.DataOffsets[1],
		}
	}
	return tensors, meta, nil
}

// Close releases the memory mapping. Slices returned by ReadTensor must not
// be used afterwards.
func (f *File) Close() error {
	if f == nil || f.mapping == nil {
		return nil
	}
	err := unix.Munmap(f.mapping)
	f.mapping = nil
	f.data = nil
	return err
}

// Names returns the tensor names in sorted order.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Tensors))
	for name := range f.Tensors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (f *File) Tensor(name string) (TensorInfo, bool) {
	t, ok := f.Tensors[name]
	return t, ok
}

// ReadTensor returns the raw bytes of name without copying.
func (f *File) ReadTensor(name string) ([]byte, TensorInfo, error) {
	t, ok := f.Tensors[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
	}
	if t.End < t.Start {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: invalid offsets", name)
	}
	if f.data == nil {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: file is closed", name)
	}
	return f.data[t.Start:t.End], t, nil
}

// ReadTensorF32 decodes name into a freshly allocated []float32.
func (f *File) ReadTensorF32(name string) ([]float32, TensorInfo, error) {
	raw, info, err := f.ReadTensor(name)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	n, err := numElements(info.Shape)
	if err != nil {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	size, ok := dtypeSize(info.DType)
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: unsupported dtype %s", name, info.DType)
	}
	if len(raw) != n*size {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: invalid %s data size %d for %d elements", name, info.DType, len(raw), n)
	}

	out := make([]float32, n)
	switch info.DType {
	case "F32":
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case "BF16":
		for i := range out {
			out[i] = bf16ToF32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
	case "F16":
		for i := range out {
			out[i] = fp16ToFloat32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
	}
	return out, info, nil
}

func dtypeSize(dtype string) (int, bool) {
	switch dtype {
	case "F32":
		return 4, true
	case "F16", "BF16":
		return 2, true
	default:
		return 0, false
	}
}

func numElements(shape []int) (int, error) {
	if len(shape) == 0 {
		return 0, fmt.Errorf("empty shape")
	}
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return 0, fmt.Errorf("invalid dim %d", d)
		}
		if n > (int(^uint(0)>>1))/d {
			return 0, fmt.Errorf("tensor too large")
		}
		n *= d
	}
	return n, nil
}

func readU64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func bf16ToF32(u uint16) float32 {
	return math.Float32frombits(uint32(u) << 16)
}

func fp16ToFloat32(h uint16) float32 {
	sign := uint32(h>>15) & 0x1
	exp := uint32(h>>10) & 0x1F
	frac := uint32(h & 0x3FF)
	var f uint32
	switch exp {
	case 0:
		if frac == 0 {
			f = sign << 31
		} else {
			e := uint32(127 - 15 + 1)
			for (frac & 0x400) == 0 {
				frac <<= 1
				e--
			}
			frac &= 0x3FF
			f = (sign << 31) | (e << 23) | (frac << 13)
		}
	case 0x1F:
		f = (sign << 31) | 0x7F800000 | (frac << 13)
	default:
		e := exp + (127 - 15)
		f = (sign << 31) | (e << 23) | (frac << 13)
	}
	return math.Float32frombits(f)
}
