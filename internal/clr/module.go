// Package clr reads and writes the managed part of a PE image: the CLI
// header, the ECMA-335 metadata and the IL method bodies.
//
// A Module keeps the original image bytes. Edits made by stages (header
// flags, stream removal, in-place IL changes) are applied to a copy of those
// bytes when the module is written, so layout outside the managed data is
// never disturbed.
package clr

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/specialistvlad/slayer/internal/peimage"
	"github.com/specialistvlad/slayer/internal/resolver"
)

// ErrNotManaged is returned by Load for images without a CLI header.
var ErrNotManaged = errors.New("image has no CLI header")

// Method implementation flags.
const (
	implCodeTypeMask = 0x0003
	implCodeIL       = 0x0000
	implInternalCall = 0x1000
)

// AssemblyIdentity describes the Assembly or an AssemblyRef row.
type AssemblyIdentity struct {
	Name      string
	Culture   string
	Version   [4]uint16
	Flags     uint32
	PublicKey []byte
}

// String formats the identity the way references are usually displayed.
func (a AssemblyIdentity) String() string {
	return fmt.Sprintf("%s, Version=%d.%d.%d.%d", a.Name, a.Version[0], a.Version[1], a.Version[2], a.Version[3])
}

// TypeRef is a reference to a type defined in another scope.
type TypeRef struct {
	RID       uint32
	Namespace string
	Name      string
	Scope     Token
}

// TypeDef is a type defined by the module.
type TypeDef struct {
	RID       uint32
	Namespace string
	Name      string
	Flags     uint32
	Methods   []*MethodDef
}

// FullName returns Namespace.Name, or Name for the global namespace.
func (t *TypeDef) FullName() string {
	if t.Namespace == "" {
		return t.Name
	}
	return t.Namespace + "." + t.Name
}

// MethodDef is a method defined by the module. Body is nil for methods
// without IL (abstract, runtime, native) and for bodies that failed to parse;
// BodyErr records the latter.
type MethodDef struct {
	RID       uint32
	Name      string
	RVA       uint32
	Flags     uint16
	ImplFlags uint16
	Signature MethodSig
	Body      *MethodBody
	BodyErr   error
	Owner     *TypeDef
}

// Token returns the MethodDef token of m.
func (m *MethodDef) Token() uint32 { return Token{Table: TableMethodDef, RID: m.RID}.Value() }

// Module is a parsed managed module.
type Module struct {
	Header       Cor20Header
	Metadata     *Root
	Name         string
	Assembly     *AssemblyIdentity
	AssemblyRefs []AssemblyIdentity
	TypeRefs     []TypeRef
	TypeDefs     []*TypeDef
	Methods      []*MethodDef

	image          *peimage.Image
	rc             *resolver.Context
	location       string
	original       Cor20Header
	headerOffset   uint32
	metadataOffset uint32
	tables         *Tables
	heaps          heaps
	closed         bool
}

// LoadOption configures Load.
type LoadOption func(*Module)

// WithLocation sets the path the module is known by. References are resolved
// relative to its directory. Defaults to the image path.
func WithLocation(path string) LoadOption {
	return func(m *Module) { m.location = path }
}

// Load parses the managed module contained in img. rc may be nil, in which
// case references are not resolved. The module takes no ownership of img.
func Load(img *peimage.Image, rc *resolver.Context, opts ...LoadOption) (*Module, error) {
	m := &Module{image: img, rc: rc, location: img.Path()}
	for _, opt := range opts {
		opt(m)
	}

	var err error
	if m.Header, m.Metadata, err = ReadHeaders(img); err != nil {
		return nil, err
	}
	m.original = m.Header
	dir, _ := img.DataDirectory(peimage.DirComDescriptor)
	if m.headerOffset, err = img.RVAToOffset(dir.VirtualAddress); err != nil {
		return nil, fmt.Errorf("CLI header: %w", err)
	}
	if m.metadataOffset, err = img.RVAToOffset(m.Header.MetaData.VirtualAddress); err != nil {
		return nil, fmt.Errorf("metadata: %w", err)
	}
	m.heaps = newHeaps(m.Metadata)

	ts := m.Metadata.Stream("#~")
	if ts == nil {
		ts = m.Metadata.Stream("#-")
	}
	if ts == nil {
		return nil, errors.New("metadata has no tables stream")
	}
	if m.tables, err = parseTables(ts.Data); err != nil {
		return nil, err
	}
	if m.tables.RowCount(TableModule) == 0 {
		return nil, errors.New("metadata has no Module row")
	}

	if err := m.readDefinitions(); err != nil {
		return nil, err
	}
	m.resolveReferences()
	return m, nil
}

// ReadHeaders parses only the CLI header and the metadata root of img.
func ReadHeaders(img *peimage.Image) (Cor20Header, *Root, error) {
	dir, ok := img.DataDirectory(peimage.DirComDescriptor)
	if !ok {
		return Cor20Header{}, nil, ErrNotManaged
	}
	raw, err := img.ReadAt(dir.VirtualAddress, cor20Size)
	if err != nil {
		return Cor20Header{}, nil, fmt.Errorf("CLI header: %w", err)
	}
	hdr, err := parseCor20(raw)
	if err != nil {
		return hdr, nil, err
	}
	raw, err = img.ReadAt(hdr.MetaData.VirtualAddress, hdr.MetaData.Size)
	if err != nil {
		return hdr, nil, fmt.Errorf("metadata: %w", err)
	}
	root, err := parseRoot(raw)
	if err != nil {
		return hdr, nil, err
	}
	return hdr, root, nil
}

func (m *Module) readDefinitions() error {
	t := m.tables
	name, err := t.Table(TableModule).Column(1, 1)
	if err != nil {
		return err
	}
	m.Name = m.heaps.str(name)

	if t.RowCount(TableAssembly) > 0 {
		row, err := t.Table(TableAssembly).Row(1)
		if err != nil {
			return err
		}
		pk, err := m.heaps.blobAt(row[6])
		if err != nil {
			return fmt.Errorf("assembly public key: %w", err)
		}
		m.Assembly = &AssemblyIdentity{
			Version:   [4]uint16{uint16(row[1]), uint16(row[2]), uint16(row[3]), uint16(row[4])},
			Flags:     row[5],
			PublicKey: pk,
			Name:      m.heaps.str(row[7]),
			Culture:   m.heaps.str(row[8]),
		}
	}

	for rid := uint32(1); rid <= t.RowCount(TableAssemblyRef); rid++ {
		row, err := t.Table(TableAssemblyRef).Row(rid)
		if err != nil {
			return err
		}
		m.AssemblyRefs = append(m.AssemblyRefs, AssemblyIdentity{
			Version: [4]uint16{uint16(row[0]), uint16(row[1]), uint16(row[2]), uint16(row[3])},
			Flags:   row[4],
			Name:    m.heaps.str(row[6]),
			Culture: m.heaps.str(row[7]),
		})
	}

	for rid := uint32(1); rid <= t.RowCount(TableTypeRef); rid++ {
		row, err := t.Table(TableTypeRef).Row(rid)
		if err != nil {
			return err
		}
		scope, err := decodeCoded(cResolutionScope, row[0])
		if err != nil {
			return fmt.Errorf("type ref %d: %w", rid, err)
		}
		m.TypeRefs = append(m.TypeRefs, TypeRef{
			RID:       rid,
			Scope:     scope,
			Name:      m.heaps.str(row[1]),
			Namespace: m.heaps.str(row[2]),
		})
	}

	if err := m.readMethods(); err != nil {
		return err
	}
	return m.readTypes()
}

func (m *Module) readMethods() error {
	t := m.tables
	data := m.image.Bytes()
	for rid := uint32(1); rid <= t.RowCount(TableMethodDef); rid++ {
		row, err := t.Table(TableMethodDef).Row(rid)
		if err != nil {
			return err
		}
		md := &MethodDef{
			RID:       rid,
			RVA:       row[0],
			ImplFlags: uint16(row[1]),
			Flags:     uint16(row[2]),
			Name:      m.heaps.str(row[3]),
		}
		sig, err := m.heaps.blobAt(row[4])
		if err != nil {
			return fmt.Errorf("method %s signature: %w", md.Name, err)
		}
		if md.Signature, err = parseMethodSig(sig); err != nil {
			return fmt.Errorf("method %s signature: %w", md.Name, err)
		}

		if md.RVA != 0 && md.ImplFlags&implCodeTypeMask == implCodeIL && md.ImplFlags&implInternalCall == 0 {
			off, err := m.image.RVAToOffset(md.RVA)
			if err == nil {
				md.Body, err = parseBody(data, off)
			}
			if err != nil {
				md.BodyErr = fmt.Errorf("method %s body: %w", md.Name, err)
			}
		}
		m.Methods = append(m.Methods, md)
	}
	return nil
}

func (m *Module) readTypes() error {
	t := m.tables
	n := t.RowCount(TableTypeDef)
	lists := make([]uint32, n)
	for rid := uint32(1); rid <= n; rid++ {
		row, err := t.Table(TableTypeDef).Row(rid)
		if err != nil {
			return err
		}
		m.TypeDefs = append(m.TypeDefs, &TypeDef{
			RID:       rid,
			Flags:     row[0],
			Name:      m.heaps.str(row[1]),
			Namespace: m.heaps.str(row[2]),
		})
		lists[rid-1] = row[5]
	}

	// Method lists are runs: a type owns methods from its start to the next
	// type's start.
	methodCount := uint32(len(m.Methods))
	for i, td := range m.TypeDefs {
		start := lists[i]
		end := methodCount + 1
		if i+1 < len(lists) {
			end = lists[i+1]
		}
		for idx := start; idx < end && idx >= 1; idx++ {
			rid, err := m.methodAt(idx)
			if err != nil || rid == 0 || rid > methodCount {
				continue
			}
			md := m.Methods[rid-1]
			md.Owner = td
			td.Methods = append(td.Methods, md)
		}
	}
	return nil
}

// methodAt maps a MethodList index through the MethodPtr table when present.
func (m *Module) methodAt(idx uint32) (uint32, error) {
	if ptr := m.tables.Table(TableMethodPtr); ptr != nil && ptr.Rows > 0 {
		return ptr.Column(idx, 0)
	}
	return idx, nil
}

// resolveReferences warms the resolution context with every assembly
// reference, so the writer later sees cached answers.
func (m *Module) resolveReferences() {
	if m.rc == nil {
		return
	}
	for _, ref := range m.AssemblyRefs {
		m.rc.Assemblies.Resolve(ref.Name, m.Dir())
	}
}

// UnresolvedReferences lists assembly references and external type
// references that the resolution context cannot satisfy.
func (m *Module) UnresolvedReferences() []string {
	if m.rc == nil {
		return nil
	}
	var out []string
	for _, ref := range m.AssemblyRefs {
		if _, ok := m.rc.Assemblies.Resolve(ref.Name, m.Dir()); !ok {
			out = append(out, ref.String())
		}
	}
	for _, tr := range m.TypeRefs {
		if tr.Scope.Table != TableAssemblyRef || tr.Scope.RID == 0 || int(tr.Scope.RID) > len(m.AssemblyRefs) {
			continue
		}
		asm := m.AssemblyRefs[tr.Scope.RID-1]
		if _, ok := m.rc.Assemblies.Resolve(asm.Name, m.Dir()); !ok {
			continue
		}
		if !m.rc.Types.Resolve(asm.Name, tr.Namespace, tr.Name, m.Dir()) {
			out = append(out, fmt.Sprintf("[%s]%s", asm.Name, joinName(tr.Namespace, tr.Name)))
		}
	}
	return out
}

// HasType reports whether the module defines namespace.name.
func (m *Module) HasType(namespace, name string) bool {
	for _, td := range m.TypeDefs {
		if td.Namespace == namespace && td.Name == name {
			return true
		}
	}
	return false
}

// IsILOnly reports whether the module contains only IL code.
func (m *Module) IsILOnly() bool { return m.Header.Flags&FlagILOnly != 0 }

// Location returns the path the module is known by.
func (m *Module) Location() string { return m.location }

// Dir returns the directory references are resolved from.
func (m *Module) Dir() string {
	if m.location == "" {
		return ""
	}
	return filepath.Dir(m.location)
}

// Image returns the image the module was parsed from.
func (m *Module) Image() *peimage.Image { return m.image }

// Context returns the resolution context the module was loaded with.
func (m *Module) Context() *resolver.Context { return m.rc }

// Tables exposes the decoded tables stream.
func (m *Module) Tables() *Tables { return m.tables }

// Close releases the module's image. Subsequent writes fail.
func (m *Module) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	return m.image.Close()
}

// OpenTypeIndex loads the assembly at path and returns its type definitions.
// It is the resolver.Opener used for type reference checks.
func OpenTypeIndex(path string) (resolver.TypeSource, error) {
	img, err := peimage.Open(path)
	if err != nil {
		return nil, err
	}
	defer img.Close()
	m, err := Load(img, nil)
	if err != nil {
		return nil, err
	}
	index := make(typeIndex, len(m.TypeDefs))
	for _, td := range m.TypeDefs {
		index[joinName(td.Namespace, td.Name)] = struct{}{}
	}
	return index, nil
}

type typeIndex map[string]struct{}

func (ti typeIndex) HasType(namespace, name string) bool {
	_, ok := ti[joinName(namespace, name)]
	return ok
}

func joinName(namespace, name string) string {
	if namespace == "" {
		return name
	}
	return namespace + "." + name
}
