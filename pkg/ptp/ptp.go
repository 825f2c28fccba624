// Package ptp maps the objects of a PTP/MTP storage onto the programmer.
// Sending an object to /fpga configures the device, sending one to /flash
// programs the SPI flash, and reading a /flash object reads its range back.
// Container framing and USB transfers belong to the caller.
package ptp

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/golang/glog"

	"github.com/OpenTraceLab/OpenTraceProg/pkg/device"
	"github.com/OpenTraceLab/OpenTraceProg/pkg/flash"
	"github.com/OpenTraceLab/OpenTraceProg/pkg/source"
	"github.com/OpenTraceLab/OpenTraceProg/pkg/spiflash"
)

// Fixed object handles. Objects created in a folder carry the folder's top
// byte in their handle.
const (
	HandleRoot         = 0x00000000
	HandleFPGA         = 0xc10000d1
	HandleFlash        = 0xc20000d2
	HandleFlashDefault = 0xc20000f2
)

// ChunkSize is the bulk transfer size objects are moved in. Flash objects
// are padded with 0xFF to a whole chunk.
const ChunkSize = 4096

// Object format codes.
const (
	FormatUndefined = 0x3000
	FormatDirectory = 0x3001
)

var (
	ErrNoObject    = errors.New("ptp: no such object")
	ErrNotReadable = errors.New("ptp: object cannot be read back")
	ErrTooLarge    = errors.New("ptp: object larger than its flash range")
	ErrProtected   = errors.New("ptp: object is write protected")
)

// Object is one entry of the storage.
type Object struct {
	Handle uint32
	Parent uint32
	Format uint16
	Path   Path
	Size   int64
}

// Name returns the file name shown to the host.
func (o Object) Name() string {
	if o.Format == FormatDirectory {
		return o.Path.Folder.String()
	}
	s := o.Path.String()
	return s[len("/"+o.Path.Folder.String()+"/"):]
}

// Result describes a completed SendObject.
type Result struct {
	Handle uint32
	Bytes  int64
	// Done is set when a bitstream configured the device.
	Done  bool
	Flash flash.Stats
}

// Handler holds the object table of one programmer.
type Handler struct {
	seq     *device.Sequencer
	objects map[uint32]*Object
	next    uint32
}

// New returns a handler programming through seq.
func New(seq *device.Sequencer) *Handler {
	h := &Handler{seq: seq, objects: map[uint32]*Object{}, next: 1}
	h.objects[HandleFPGA] = &Object{Handle: HandleFPGA, Parent: HandleRoot, Format: FormatDirectory, Path: Path{Folder: FolderFPGA}}
	if seq.Family().HasFlash() {
		h.objects[HandleFlash] = &Object{Handle: HandleFlash, Parent: HandleRoot, Format: FormatDirectory, Path: Path{Folder: FolderFlash}}
		h.objects[HandleFlashDefault] = &Object{
			Handle: HandleFlashDefault,
			Parent: HandleFlash,
			Format: FormatUndefined,
			Path:   Path{Folder: FolderFlash, Name: "flash.bin", End: spiflash.MaxAddress, Bounded: true},
			Size:   spiflash.MaxAddress + 1,
		}
	}
	return h
}

// Objects lists the children of parent, ordered by handle.
func (h *Handler) Objects(parent uint32) []Object {
	var out []Object
	for _, o := range h.objects {
		if o.Parent == parent {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out
}

// Object returns the object with handle.
func (h *Handler) Object(handle uint32) (Object, error) {
	o, ok := h.objects[handle]
	if !ok {
		return Object{}, fmt.Errorf("%w: 0x%08X", ErrNoObject, handle)
	}
	return *o, nil
}

func folderHandle(f Folder) uint32 {
	if f == FolderFlash {
		return HandleFlash
	}
	return HandleFPGA
}

func (h *Handler) lookup(p Path) *Object {
	for _, o := range h.objects {
		if o.Format != FormatDirectory && o.Path == p {
			return o
		}
	}
	return nil
}

// SendObject parses path, streams r to the target it names and records the
// object. size, when positive, is the length the host announced.
func (h *Handler) SendObject(path string, r io.Reader, size int64) (Result, error) {
	p, err := ParsePath(path)
	if err != nil {
		return Result{}, err
	}
	if _, ok := h.objects[folderHandle(p.Folder)]; !ok {
		return Result{}, fmt.Errorf("%w: /%s", ErrNoObject, p.Folder)
	}
	if p.Folder == FolderFlash && p.Bounded && size > p.Len() {
		return Result{}, fmt.Errorf("%w: %d bytes into %s", ErrTooLarge, size, p)
	}

	var res Result
	if p.Folder == FolderFPGA {
		res, err = h.sendBitstream(r)
	} else {
		res, err = h.sendFlash(p, r)
	}
	if err != nil {
		return res, err
	}

	o := h.lookup(p)
	if o == nil {
		parent := folderHandle(p.Folder)
		o = &Object{Handle: h.next | parent&0xFF000000, Parent: parent, Format: FormatUndefined, Path: p}
		h.next++
		h.objects[o.Handle] = o
	}
	o.Size = res.Bytes
	res.Handle = o.Handle
	return res, nil
}

func (h *Handler) sendBitstream(r io.Reader) (Result, error) {
	buf := make([]byte, ChunkSize)
	n, rerr := source.ReadChunk(r, buf)
	if rerr != nil && rerr != io.EOF {
		return Result{}, rerr
	}
	if n == 0 {
		// Opening the upload would clear the running configuration.
		return Result{}, source.ErrEmptyImage
	}
	up, err := h.seq.OpenBitstreamUpload()
	if err != nil {
		return Result{}, err
	}
	var res Result
	for n > 0 {
		if _, err := up.Write(buf[:n]); err != nil {
			up.Close()
			return res, err
		}
		res.Bytes += int64(n)
		if n < len(buf) {
			break
		}
		if n, rerr = source.ReadChunk(r, buf); rerr != nil && rerr != io.EOF {
			up.Close()
			return res, rerr
		}
	}
	res.Done, err = up.Close()
	glog.V(1).Infof("ptp: bitstream of %d bytes, done=%v", res.Bytes, res.Done)
	return res, err
}

func (h *Handler) sendFlash(p Path, r io.Reader) (res Result, err error) {
	fs, err := h.seq.OpenFlashBridge()
	if err != nil {
		return Result{}, err
	}
	defer func() {
		err = errors.Join(err, fs.Close())
	}()
	prog, err := flash.New(fs)
	if err != nil {
		return Result{}, err
	}
	block := fs.Geometry().EraseSize
	if p.Start%uint32(block) != 0 {
		return Result{}, fmt.Errorf("%w: 0x%06X", flash.ErrMisaligned, p.Start)
	}

	buf := make([]byte, max(ChunkSize, block))
	addr := p.Start
	for {
		n, rerr := source.ReadChunk(r, buf)
		if rerr != nil && rerr != io.EOF {
			return res, rerr
		}
		if n == 0 {
			break
		}
		if p.Bounded && int64(addr)+int64(n) > int64(p.End)+1 {
			return res, fmt.Errorf("%w: %s", ErrTooLarge, p)
		}
		// The last erase block may be short; the flash keeps its tail.
		for off := 0; off < n; off += block {
			if _, err := prog.ProgramBlock(buf[off:min(off+block, n)], addr+uint32(off)); err != nil {
				return res, err
			}
		}
		addr += uint32(len(buf))
		res.Bytes += int64(n)
		if n < len(buf) {
			break
		}
	}
	res.Flash = prog.Stats()
	glog.V(1).Infof("ptp: %d bytes to flash 0x%06X", res.Bytes, p.Start)
	return res, nil
}

// GetObject writes the contents of a flash object to w.
func (h *Handler) GetObject(handle uint32, w io.Writer) (int64, error) {
	o, ok := h.objects[handle]
	if !ok {
		return 0, fmt.Errorf("%w: 0x%08X", ErrNoObject, handle)
	}
	if o.Format == FormatDirectory || o.Path.Folder != FolderFlash {
		return 0, fmt.Errorf("%w: %s", ErrNotReadable, o.Path)
	}
	length := o.Size
	if o.Path.Bounded {
		length = o.Path.Len()
	}

	fs, err := h.seq.OpenFlashBridge()
	if err != nil {
		return 0, err
	}
	prog, err := flash.New(fs)
	if err != nil {
		return 0, errors.Join(err, fs.Close())
	}
	n, err := prog.ReadTo(w, o.Path.Start, length)
	return n, errors.Join(err, fs.Close())
}

// DeleteObject forgets an object created by SendObject. Flash contents are
// left alone.
func (h *Handler) DeleteObject(handle uint32) error {
	o, ok := h.objects[handle]
	switch {
	case !ok:
		return fmt.Errorf("%w: 0x%08X", ErrNoObject, handle)
	case o.Format == FormatDirectory || handle == HandleFlashDefault:
		return fmt.Errorf("%w: %s", ErrProtected, o.Path)
	}
	delete(h.objects, handle)
	return nil
}
