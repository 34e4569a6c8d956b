package clr

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/Binject/debug/pe"
	"github.com/specialistvlad/slayer/internal/peimage"
)

// MetadataFlags control how metadata is rebuilt when a module is written.
type MetadataFlags uint32

const (
	// PreserveUnknownStreams keeps streams the runtime does not read.
	PreserveUnknownStreams MetadataFlags = 1 << iota
	// PreserveDuplicateStreams keeps streams that repeat an earlier name.
	PreserveDuplicateStreams
	// KeepOldMaxStack writes the MaxStack values found in the input instead
	// of recomputing them.
	KeepOldMaxStack MetadataFlags = 1 << 16

	// PreserveAll keeps every stream of the input metadata.
	PreserveAll = PreserveUnknownStreams | PreserveDuplicateStreams
)

// Has reports whether every bit of want is set.
func (f MetadataFlags) Has(want MetadataFlags) bool { return f&want == want }

// ErrMetadataTooLarge is returned when the rebuilt metadata does not fit the
// slot of the original.
var ErrMetadataTooLarge = errors.New("rebuilt metadata is larger than the original")

// Level is the severity of a writer event.
type Level int

// Writer event levels.
const (
	LevelInfo Level = iota
	LevelWarning
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelInfo:
		return "info"
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// Logger receives writer events. A non-nil return aborts the write.
type Logger interface {
	Log(level Level, msg string) error
}

// WriterError is returned by DefaultLogger for error events.
type WriterError struct {
	Msg string
}

func (e *WriterError) Error() string { return "writer error: " + e.Msg }

type throwingLogger struct{}

func (throwingLogger) Log(level Level, msg string) error {
	if level >= LevelError {
		return &WriterError{Msg: msg}
	}
	return nil
}

// DefaultLogger aborts the write on the first error event.
var DefaultLogger Logger = throwingLogger{}

type noThrowLogger struct {
	logger *slog.Logger
}

func (l noThrowLogger) Log(level Level, msg string) error {
	switch level {
	case LevelError:
		l.logger.Error(msg, "source", "writer")
	case LevelWarning:
		l.logger.Warn(msg, "source", "writer")
	default:
		l.logger.Debug(msg, "source", "writer")
	}
	return nil
}

// NoThrowLogger forwards writer events to logger and never aborts the write.
func NoThrowLogger(logger *slog.Logger) Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return noThrowLogger{logger: logger}
}

// MetadataOptions configure metadata rebuilding.
type MetadataOptions struct {
	Flags MetadataFlags
}

// WriterOptions configure Module.Write.
type WriterOptions struct {
	MetadataOptions MetadataOptions
	Logger          Logger
}

// NativeWriterOptions configure Module.NativeWrite.
type NativeWriterOptions struct {
	WriterOptions
	// KeepExtraPEData keeps bytes appended after the last section.
	KeepExtraPEData bool
}

// NewWriterOptions returns the defaults: rebuilt metadata without unknown or
// duplicate streams, recomputed MaxStack and DefaultLogger.
func NewWriterOptions() *WriterOptions {
	return &WriterOptions{Logger: DefaultLogger}
}

// NewNativeWriterOptions returns NewWriterOptions plus overlay preservation.
func NewNativeWriterOptions() *NativeWriterOptions {
	return &NativeWriterOptions{WriterOptions: *NewWriterOptions(), KeepExtraPEData: true}
}

// Write saves the module as an IL-only image. The headers are re-serialized:
// the checksum and the security directory are cleared and overlay data is
// dropped.
func (m *Module) Write(path string, opts *WriterOptions) error {
	if opts == nil {
		opts = NewWriterOptions()
	}
	data, err := m.assemble(opts)
	if err != nil {
		return err
	}
	out, err := reserialize(data)
	if err != nil {
		return fmt.Errorf("failed to re-serialize image: %w", err)
	}
	return writeFile(path, out)
}

// NativeWrite saves the module keeping every byte outside the managed data
// as it was, which mixed-mode images require.
func (m *Module) NativeWrite(path string, opts *NativeWriterOptions) error {
	if opts == nil {
		opts = NewNativeWriterOptions()
	}
	data, err := m.assemble(&opts.WriterOptions)
	if err != nil {
		return err
	}
	if !opts.KeepExtraPEData {
		data = data[:m.image.EndOfImage()]
	}
	return writeFile(path, data)
}

// assemble patches a copy of the original image with the module's current
// state. The module itself is not modified.
func (m *Module) assemble(opts *WriterOptions) ([]byte, error) {
	if m.closed {
		return nil, errors.New("module is closed")
	}
	log := opts.Logger
	if log == nil {
		log = DefaultLogger
	}
	flags := opts.MetadataOptions.Flags

	for _, ref := range m.UnresolvedReferences() {
		if err := log.Log(LevelWarning, "unresolved reference "+ref); err != nil {
			return nil, err
		}
	}

	data := bytes.Clone(m.image.Bytes())

	for _, md := range m.Methods {
		body := md.Body
		if body == nil {
			continue
		}
		if len(body.Code) != body.codeSize {
			return nil, fmt.Errorf("method %s: code size changed from %d to %d bytes", md.Name, body.codeSize, len(body.Code))
		}
		copy(data[body.codeOffset:], body.Code)

		if !body.Fat || flags.Has(KeepOldMaxStack) {
			continue
		}
		ms, err := m.MaxStack(md)
		if err != nil {
			if lerr := log.Log(LevelError, "failed to compute max stack: "+err.Error()); lerr != nil {
				return nil, lerr
			}
			continue
		}
		le.PutUint16(data[body.headerOffset+2:], ms)
	}

	md := m.Metadata.serialize(flags)
	if uint32(len(md)) > m.original.MetaData.Size {
		return nil, fmt.Errorf("%w (%d > %d bytes)", ErrMetadataTooLarge, len(md), m.original.MetaData.Size)
	}
	slot := data[m.metadataOffset : m.metadataOffset+m.original.MetaData.Size]
	clear(slot)
	copy(slot, md)

	hdr := m.Header
	hdr.MetaData.Size = uint32(len(md))
	if err := m.clearStrongName(data, hdr); err != nil {
		return nil, err
	}
	copy(data[m.headerOffset:], hdr.bytes())
	return data, nil
}

// clearStrongName zeroes the original signature blob once the header no
// longer points at it.
func (m *Module) clearStrongName(data []byte, hdr Cor20Header) error {
	orig := m.original.StrongNameSignature
	if orig.VirtualAddress == 0 || orig.Size == 0 || hdr.StrongNameSignature == orig {
		return nil
	}
	off, err := m.image.RVAToOffset(orig.VirtualAddress)
	if err != nil {
		return fmt.Errorf("strong name signature: %w", err)
	}
	if uint64(off)+uint64(orig.Size) > uint64(len(data)) {
		return errors.New("strong name signature lies outside the image")
	}
	clear(data[off : off+orig.Size])
	return nil
}

func reserialize(data []byte) ([]byte, error) {
	f, err := pe.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	switch oh := f.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		oh.CheckSum = 0
		oh.DataDirectory[peimage.DirSecurity] = pe.DataDirectory{}
	case *pe.OptionalHeader64:
		oh.CheckSum = 0
		oh.DataDirectory[peimage.DirSecurity] = pe.DataDirectory{}
	default:
		return nil, errors.New("missing optional header")
	}
	return f.Bytes()
}

func writeFile(path string, data []byte) error {
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
