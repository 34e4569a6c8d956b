package clr

import (
	"errors"
	"fmt"
)

// Metadata table identifiers.
const (
	TableModule                 = 0x00
	TableTypeRef                = 0x01
	TableTypeDef                = 0x02
	TableFieldPtr               = 0x03
	TableField                  = 0x04
	TableMethodPtr              = 0x05
	TableMethodDef              = 0x06
	TableParamPtr               = 0x07
	TableParam                  = 0x08
	TableInterfaceImpl          = 0x09
	TableMemberRef              = 0x0A
	TableConstant               = 0x0B
	TableCustomAttribute        = 0x0C
	TableFieldMarshal           = 0x0D
	TableDeclSecurity           = 0x0E
	TableClassLayout            = 0x0F
	TableFieldLayout            = 0x10
	TableStandAloneSig          = 0x11
	TableEventMap               = 0x12
	TableEventPtr               = 0x13
	TableEvent                  = 0x14
	TablePropertyMap            = 0x15
	TablePropertyPtr            = 0x16
	TableProperty               = 0x17
	TableMethodSemantics        = 0x18
	TableMethodImpl             = 0x19
	TableModuleRef              = 0x1A
	TableTypeSpec               = 0x1B
	TableImplMap                = 0x1C
	TableFieldRVA               = 0x1D
	TableENCLog                 = 0x1E
	TableENCMap                 = 0x1F
	TableAssembly               = 0x20
	TableAssemblyProcessor      = 0x21
	TableAssemblyOS             = 0x22
	TableAssemblyRef            = 0x23
	TableAssemblyRefProcessor   = 0x24
	TableAssemblyRefOS          = 0x25
	TableFile                   = 0x26
	TableExportedType           = 0x27
	TableManifestResource       = 0x28
	TableNestedClass            = 0x29
	TableGenericParam           = 0x2A
	TableMethodSpec             = 0x2B
	TableGenericParamConstraint = 0x2C
)

type codedKind int

const (
	cTypeDefOrRef codedKind = iota
	cHasConstant
	cHasCustomAttribute
	cHasFieldMarshal
	cHasDeclSecurity
	cMemberRefParent
	cHasSemantics
	cMethodDefOrRef
	cMemberForwarded
	cImplementation
	cCustomAttributeType
	cResolutionScope
	cTypeOrMethodDef
)

const noTable = -1

var codedIndexes = [...]struct {
	bits   uint
	tables []int
}{
	cTypeDefOrRef:        {2, []int{TableTypeDef, TableTypeRef, TableTypeSpec}},
	cHasConstant:         {2, []int{TableField, TableParam, TableProperty}},
	cHasCustomAttribute:  {5, []int{TableMethodDef, TableField, TableTypeRef, TableTypeDef, TableParam, TableInterfaceImpl, TableMemberRef, TableModule, TableDeclSecurity, TableProperty, TableEvent, TableStandAloneSig, TableModuleRef, TableTypeSpec, TableAssembly, TableAssemblyRef, TableFile, TableExportedType, TableManifestResource, TableGenericParam, TableGenericParamConstraint, TableMethodSpec}},
	cHasFieldMarshal:     {1, []int{TableField, TableParam}},
	cHasDeclSecurity:     {2, []int{TableTypeDef, TableMethodDef, TableAssembly}},
	cMemberRefParent:     {3, []int{TableTypeDef, TableTypeRef, TableModuleRef, TableMethodDef, TableTypeSpec}},
	cHasSemantics:        {1, []int{TableEvent, TableProperty}},
	cMethodDefOrRef:      {1, []int{TableMethodDef, TableMemberRef}},
	cMemberForwarded:     {1, []int{TableField, TableMethodDef}},
	cImplementation:      {2, []int{TableFile, TableAssemblyRef, TableExportedType}},
	cCustomAttributeType: {3, []int{noTable, noTable, TableMethodDef, TableMemberRef, noTable}},
	cResolutionScope:     {2, []int{TableModule, TableModuleRef, TableAssemblyRef, TableTypeRef}},
	cTypeOrMethodDef:     {1, []int{TableTypeDef, TableMethodDef}},
}

type colKind uint8

const (
	colFixed colKind = iota
	colString
	colGUID
	colBlob
	colTable
	colCoded
)

type column struct {
	kind  colKind
	size  int // colFixed only
	table int
	coded codedKind
}

func u8c() column { return column{kind: colFixed, size: 1} }
func u16c() column { return column{kind: colFixed, size: 2} }
func u32c() column { return column{kind: colFixed, size: 4} }
func strc() column { return column{kind: colString} }
func guidc() column { return column{kind: colGUID} }
func blobc() column { return column{kind: colBlob} }
func tblc(t int) column { return column{kind: colTable, table: t} }
func codc(k codedKind) column { return column{kind: colCoded, coded: k} }

var schema = [...][]column{
	TableModule:                 {u16c(), strc(), guidc(), guidc(), guidc()},
	TableTypeRef:                {codc(cResolutionScope), strc(), strc()},
	TableTypeDef:                {u32c(), strc(), strc(), codc(cTypeDefOrRef), tblc(TableField), tblc(TableMethodDef)},
	TableFieldPtr:               {tblc(TableField)},
	TableField:                  {u16c(), strc(), blobc()},
	TableMethodPtr:              {tblc(TableMethodDef)},
	TableMethodDef:              {u32c(), u16c(), u16c(), strc(), blobc(), tblc(TableParam)},
	TableParamPtr:               {tblc(TableParam)},
	TableParam:                  {u16c(), u16c(), strc()},
	TableInterfaceImpl:          {tblc(TableTypeDef), codc(cTypeDefOrRef)},
	TableMemberRef:              {codc(cMemberRefParent), strc(), blobc()},
	TableConstant:               {u8c(), u8c(), codc(cHasConstant), blobc()},
	TableCustomAttribute:        {codc(cHasCustomAttribute), codc(cCustomAttributeType), blobc()},
	TableFieldMarshal:           {codc(cHasFieldMarshal), blobc()},
	TableDeclSecurity:           {u16c(), codc(cHasDeclSecurity), blobc()},
	TableClassLayout:            {u16c(), u32c(), tblc(TableTypeDef)},
	TableFieldLayout:            {u32c(), tblc(TableField)},
	TableStandAloneSig:          {blobc()},
	TableEventMap:               {tblc(TableTypeDef), tblc(TableEvent)},
	TableEventPtr:               {tblc(TableEvent)},
	TableEvent:                  {u16c(), strc(), codc(cTypeDefOrRef)},
	TablePropertyMap:            {tblc(TableTypeDef), tblc(TableProperty)},
	TablePropertyPtr:            {tblc(TableProperty)},
	TableProperty:               {u16c(), strc(), blobc()},
	TableMethodSemantics:        {u16c(), tblc(TableMethodDef), codc(cHasSemantics)},
	TableMethodImpl:             {tblc(TableTypeDef), codc(cMethodDefOrRef), codc(cMethodDefOrRef)},
	TableModuleRef:              {strc()},
	TableTypeSpec:               {blobc()},
	TableImplMap:                {u16c(), codc(cMemberForwarded), strc(), tblc(TableModuleRef)},
	TableFieldRVA:               {u32c(), tblc(TableField)},
	TableENCLog:                 {u32c(), u32c()},
	TableENCMap:                 {u32c()},
	TableAssembly:               {u32c(), u16c(), u16c(), u16c(), u16c(), u32c(), blobc(), strc(), strc()},
	TableAssemblyProcessor:      {u32c()},
	TableAssemblyOS:             {u32c(), u32c(), u32c()},
	TableAssemblyRef:            {u16c(), u16c(), u16c(), u16c(), u32c(), blobc(), strc(), strc(), blobc()},
	TableAssemblyRefProcessor:   {u32c(), tblc(TableAssemblyRef)},
	TableAssemblyRefOS:          {u32c(), u32c(), u32c(), tblc(TableAssemblyRef)},
	TableFile:                   {u32c(), strc(), blobc()},
	TableExportedType:           {u32c(), u32c(), strc(), strc(), codc(cImplementation)},
	TableManifestResource:       {u32c(), u32c(), strc(), codc(cImplementation)},
	TableNestedClass:            {tblc(TableTypeDef), tblc(TableTypeDef)},
	TableGenericParam:           {u16c(), u16c(), codc(cTypeOrMethodDef), strc()},
	TableMethodSpec:             {codc(cMethodDefOrRef), blobc()},
	TableGenericParamConstraint: {tblc(TableGenericParam), codc(cTypeDefOrRef)},
}

// Table is one decoded metadata table. Rows are 1-based.
type Table struct {
	ID   int
	Rows uint32

	rowSize int
	offsets []int
	sizes   []int
	data    []byte
}

// Tables is the decoded "#~" stream.
type Tables struct {
	MajorVersion uint8
	MinorVersion uint8
	HeapSizes    uint8
	Valid        uint64
	Sorted       uint64

	tables [64]*Table
}

var errNoTable = errors.New("table not present")

func parseTables(b []byte) (*Tables, error) {
	if len(b) < 24 {
		return nil, errors.New("tables stream truncated")
	}
	t := &Tables{
		MajorVersion: b[4],
		MinorVersion: b[5],
		HeapSizes:    b[6],
		Valid:        le.Uint64(b[8:]),
		Sorted:       le.Uint64(b[16:]),
	}
	pos := 24

	var rows [64]uint32
	for id := 0; id < 64; id++ {
		if t.Valid&(1<<uint(id)) == 0 {
			continue
		}
		if id >= len(schema) {
			return nil, fmt.Errorf("unsupported metadata table 0x%02x", id)
		}
		if pos+4 > len(b) {
			return nil, errors.New("table row counts truncated")
		}
		rows[id] = le.Uint32(b[pos:])
		pos += 4
	}
	if t.HeapSizes&0x40 != 0 {
		pos += 4
	}

	strSize, guidSize, blobSize := 2, 2, 2
	if t.HeapSizes&0x01 != 0 {
		strSize = 4
	}
	if t.HeapSizes&0x02 != 0 {
		guidSize = 4
	}
	if t.HeapSizes&0x04 != 0 {
		blobSize = 4
	}

	colSize := func(c column) int {
		switch c.kind {
		case colFixed:
			return c.size
		case colString:
			return strSize
		case colGUID:
			return guidSize
		case colBlob:
			return blobSize
		case colTable:
			if rows[c.table] > 0xFFFF {
				return 4
			}
			return 2
		case colCoded:
			ci := codedIndexes[c.coded]
			var maxRows uint32
			for _, tid := range ci.tables {
				if tid != noTable && rows[tid] > maxRows {
					maxRows = rows[tid]
				}
			}
			if maxRows < 1<<(16-ci.bits) {
				return 2
			}
			return 4
		}
		return 0
	}

	for id := 0; id < len(schema); id++ {
		if t.Valid&(1<<uint(id)) == 0 {
			continue
		}
		tbl := &Table{ID: id, Rows: rows[id]}
		for _, c := range schema[id] {
			size := colSize(c)
			tbl.offsets = append(tbl.offsets, tbl.rowSize)
			tbl.sizes = append(tbl.sizes, size)
			tbl.rowSize += size
		}
		n := int(rows[id]) * tbl.rowSize
		if pos+n > len(b) {
			return nil, fmt.Errorf("table 0x%02x overruns the tables stream", id)
		}
		tbl.data = b[pos : pos+n]
		pos += n
		t.tables[id] = tbl
	}
	return t, nil
}

// Table returns the table with the given id, or nil if it has no rows.
func (t *Tables) Table(id int) *Table {
	if id < 0 || id >= len(t.tables) {
		return nil
	}
	return t.tables[id]
}

// RowCount returns the number of rows in table id.
func (t *Tables) RowCount(id int) uint32 {
	if tbl := t.Table(id); tbl != nil {
		return tbl.Rows
	}
	return 0
}

// Column returns column col of row rid.
func (t *Table) Column(rid uint32, col int) (uint32, error) {
	if t == nil {
		return 0, errNoTable
	}
	if rid == 0 || rid > t.Rows {
		return 0, fmt.Errorf("row %d out of range for table 0x%02x (%d rows)", rid, t.ID, t.Rows)
	}
	if col < 0 || col >= len(t.offsets) {
		return 0, fmt.Errorf("column %d out of range for table 0x%02x", col, t.ID)
	}
	off := int(rid-1)*t.rowSize + t.offsets[col]
	switch t.sizes[col] {
	case 1:
		return uint32(t.data[off]), nil
	case 2:
		return uint32(le.Uint16(t.data[off:])), nil
	default:
		return le.Uint32(t.data[off:]), nil
	}
}

// Row returns every column of row rid.
func (t *Table) Row(rid uint32) ([]uint32, error) {
	if t == nil {
		return nil, errNoTable
	}
	out := make([]uint32, len(t.offsets))
	for i := range out {
		v, err := t.Column(rid, i)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Token is a decoded metadata token.
type Token struct {
	Table int
	RID   uint32
}

// Value returns the token in its 32-bit form.
func (t Token) Value() uint32 { return uint32(t.Table)<<24 | t.RID }

func decodeCoded(k codedKind, v uint32) (Token, error) {
	ci := codedIndexes[k]
	tag := v & (1<<ci.bits - 1)
	if int(tag) >= len(ci.tables) || ci.tables[tag] == noTable {
		return Token{}, fmt.Errorf("invalid coded index tag %d", tag)
	}
	return Token{Table: ci.tables[tag], RID: v >> ci.bits}, nil
}

func parseToken(v uint32) Token {
	return Token{Table: int(v >> 24), RID: v & 0x00FFFFFF}
}
