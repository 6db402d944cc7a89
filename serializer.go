// Package ecs: serializer.go implements the binary and text world-file
// formats. Both carry a blake3 content checksum; the binary format
// optionally wraps its payload in a zstd frame. Loads decode into a
// scratch world and swap on success, so a corrupt file never leaves the
// target half-mutated.
package ecs

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/TheBitDrifter/table"
	"github.com/klauspost/compress/zstd"
	"lukechampine.com/blake3"
)

// SerializationFormat selects the wire representation a WorldSerializer
// reads or writes.
type SerializationFormat int

const (
	// FormatBinary is the compact, checksummed binary world file.
	FormatBinary SerializationFormat = iota
	// FormatText is the self-describing line-oriented text world file.
	FormatText
)

var binaryMagic = [4]byte{'E', 'C', 'S', 'W'}

const (
	binaryFormatVersion = 1
	// checksumSize is the width of the blake3 content hash closing both
	// formats.
	checksumSize = 32
)

func newChecksum() hash.Hash {
	return blake3.New(checksumSize, nil)
}

const textMagicLine = "ECS-WORLD-TEXT v1"

// SerializerOptions configures one Save or Load call.
type SerializerOptions struct {
	// Compress enables zstd compression of the binary stream. Ignored
	// for FormatText.
	Compress bool
	// IncludeComponents restricts Save to these component ids, nil
	// meaning every id with a registered codec.
	IncludeComponents []uint32
	// Metadata is written into the world-file header and returned in
	// Metadata.Custom by OpenRead and ReadMetadata.
	Metadata map[string]string
	// SkipUnboundComponents, when true, silently omits a component
	// whose value doesn't implement the format's marshaler interface
	// instead of failing the save.
	SkipUnboundComponents bool
	// SkipUnknownComponents, when true, ignores a component id on load
	// that has no registered codec instead of returning
	// UnknownComponentIDError.
	SkipUnknownComponents bool
}

func (o SerializerOptions) includes(id uint32) bool {
	if len(o.IncludeComponents) == 0 {
		return true
	}
	for _, want := range o.IncludeComponents {
		if want == id {
			return true
		}
	}
	return false
}

// Metadata is the header information recorded in a world file and
// returned to the caller of OpenRead.
type Metadata struct {
	CreatedAtUnix   int64
	EntityCountHint uint32
	ComponentIDs    []uint32
	Custom          map[string]string
}

// componentCodec adapts one registered component type to the
// serializer's four operations. Built by RegisterComponentCodec; the
// closures it holds take the ArchetypeStore they operate on as a
// parameter rather than capturing one, so a single codec works against
// both a live World's store and WorldSerializer.Load's scratch store.
type componentCodec struct {
	id           uint32
	encodeBinary func(*ArchetypeStore, Handle) ([]byte, bool, error)
	decodeBinary func(*ArchetypeStore, Handle, []byte) error
	encodeText   func(*ArchetypeStore, Handle) (string, bool, error)
	decodeText   func(*ArchetypeStore, Handle, string) error
}

// SerializationStats records profiling counters for the most recent
// Save or Load call, kept only when FeatureFlags.SerializationProfiling
// was set at World construction.
type SerializationStats struct {
	Entities int
	Bytes    int64
	Duration time.Duration
}

// WorldSerializer saves and loads Worlds in FormatBinary or FormatText.
type WorldSerializer struct {
	profiling bool

	mu    sync.Mutex
	stats SerializationStats
}

// NewWorldSerializer constructs a serializer. profiling enables
// Stats() bookkeeping, at the cost of timing every Save/Load call.
func NewWorldSerializer(profiling bool) *WorldSerializer {
	return &WorldSerializer{profiling: profiling}
}

// Stats returns the profiling counters from the most recently completed
// Save or Load call. Zero value if profiling was disabled or nothing
// has run yet.
func (s *WorldSerializer) Stats() SerializationStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *WorldSerializer) recordStats(entities int, bytes int64, elapsed time.Duration) {
	if !s.profiling {
		return
	}
	s.mu.Lock()
	s.stats = SerializationStats{Entities: entities, Bytes: bytes, Duration: elapsed}
	s.mu.Unlock()
}

// Save writes w's entities, their components, parent/child edges, and
// region tags to sink in format.
func (s *WorldSerializer) Save(w *World, sink io.Writer, format SerializationFormat, opts SerializerOptions) error {
	start := time.Now()
	counting := &countingWriter{w: sink}

	stream, err := s.OpenWrite(counting, format, opts, uint32(w.LiveEntityCount()), w.registeredComponentIDs())
	if err != nil {
		return err
	}

	n := 0
	cursor := w.NewCursor(Build(nil, nil))
	for h := range cursor.Handles() {
		if err := stream.WriteEntity(w, h); err != nil {
			return err
		}
		n++
	}
	if err := stream.Finalize(); err != nil {
		return err
	}

	s.recordStats(n, counting.n, time.Since(start))
	return nil
}

// Load decodes sink into a scratch World and, only if decoding succeeds
// completely, swaps target's entity-owning state to it.
func (s *WorldSerializer) Load(target *World, sink io.Reader, format SerializationFormat, opts SerializerOptions) error {
	start := time.Now()
	counting := &countingReader{r: sink}

	stream, _, err := s.OpenRead(counting, format)
	if err != nil {
		return err
	}

	scratchStore := newArchetypeStore(table.Factory.NewSchema())
	scratchRegistry := NewEntityRegistry(target.features.ThreadSafety)
	scratchRelationships := NewRelationshipGraph(target.features.ThreadSafety)
	scratchRegions := make(map[Handle]Region)
	pendingParents := make(map[Handle]Handle)

	n := 0
	for {
		rec, more, err := stream.ReadEntity()
		if err != nil {
			return err
		}
		if !more {
			break
		}
		h := scratchRegistry.ForceCreate(rec.Index, rec.Generation)
		if err := scratchStore.CreateEntity(h); err != nil {
			return err
		}
		if rec.HasRegion {
			scratchRegions[h] = rec.Region
		}
		for _, cr := range rec.Components {
			codec, ok := target.codecs[cr.ID]
			if !ok {
				if opts.SkipUnknownComponents {
					continue
				}
				return UnknownComponentIDError{ComponentID: cr.ID}
			}
			var decodeErr error
			if format == FormatBinary {
				decodeErr = codec.decodeBinary(scratchStore, h, cr.Bytes)
			} else {
				decodeErr = codec.decodeText(scratchStore, h, cr.Text)
			}
			if decodeErr != nil {
				return decodeErr
			}
		}
		if rec.HasParent {
			pendingParents[h] = Handle{Index: rec.ParentIndex, Generation: rec.ParentGen}
		}
		n++
	}
	if err := stream.Finalize(); err != nil {
		return err
	}
	for child, parent := range pendingParents {
		if err := scratchRelationships.SetParent(child, parent); err != nil {
			return err
		}
	}

	target.swapFrom(scratchRegistry, scratchStore, scratchRelationships, scratchRegions)
	s.recordStats(n, counting.n, time.Since(start))
	return nil
}

// SaveEntities writes only the given entities to sink, in the order
// given. Invalid handles are skipped. Parent edges pointing outside the
// subset are still recorded; whether they resolve on load depends on
// the target world.
func (s *WorldSerializer) SaveEntities(w *World, sink io.Writer, format SerializationFormat, opts SerializerOptions, handles ...Handle) error {
	stream, err := s.OpenWrite(sink, format, opts, uint32(len(handles)), w.registeredComponentIDs())
	if err != nil {
		return err
	}
	for _, h := range handles {
		if !w.IsValid(h) {
			continue
		}
		if err := stream.WriteEntity(w, h); err != nil {
			return err
		}
	}
	return stream.Finalize()
}

// LoadEntities reads a world file and creates a fresh entity in target
// for every record, returning the new handles. Unlike Load this merges
// into the live world instead of replacing it, and the loaded entities
// get newly allocated identities rather than the saved ones (which may
// already be taken in target). Parent edges are restored between
// entities of the same file; edges to entities outside it are dropped.
func (s *WorldSerializer) LoadEntities(target *World, sink io.Reader, format SerializationFormat, opts SerializerOptions) ([]Handle, error) {
	stream, _, err := s.OpenRead(sink, format)
	if err != nil {
		return nil, err
	}

	bySaved := make(map[Handle]Handle)
	type parentEdge struct{ child, savedParent Handle }
	var edges []parentEdge
	var created []Handle

	for {
		rec, more, err := stream.ReadEntity()
		if err != nil {
			return nil, err
		}
		if !more {
			break
		}
		h, err := target.CreateEntity()
		if err != nil {
			return nil, err
		}
		bySaved[Handle{Index: rec.Index, Generation: rec.Generation}] = h
		created = append(created, h)
		if rec.HasRegion {
			target.mu.Lock()
			target.regions[h] = rec.Region
			target.mu.Unlock()
		}
		for _, cr := range rec.Components {
			codec, ok := target.codecs[cr.ID]
			if !ok {
				if opts.SkipUnknownComponents {
					continue
				}
				return nil, UnknownComponentIDError{ComponentID: cr.ID}
			}
			var decodeErr error
			if format == FormatBinary {
				decodeErr = codec.decodeBinary(target.store, h, cr.Bytes)
			} else {
				decodeErr = codec.decodeText(target.store, h, cr.Text)
			}
			if decodeErr != nil {
				return nil, decodeErr
			}
		}
		if rec.HasParent {
			edges = append(edges, parentEdge{child: h, savedParent: Handle{Index: rec.ParentIndex, Generation: rec.ParentGen}})
		}
	}
	if err := stream.Finalize(); err != nil {
		return nil, err
	}
	for _, e := range edges {
		if parent, ok := bySaved[e.savedParent]; ok {
			if err := target.SetParent(e.child, parent); err != nil {
				return nil, err
			}
		}
	}
	return created, nil
}

// ReadMetadata decodes just the header of a world file, without
// touching any entity records.
func (s *WorldSerializer) ReadMetadata(source io.Reader, format SerializationFormat) (Metadata, error) {
	_, meta, err := s.OpenRead(source, format)
	return meta, err
}

// Validate reads source to the end, verifying framing and the content
// checksum without mutating any world. Returns nil when the file is
// intact.
func (s *WorldSerializer) Validate(source io.Reader, format SerializationFormat) error {
	stream, _, err := s.OpenRead(source, format)
	if err != nil {
		return err
	}
	for {
		_, more, err := stream.ReadEntity()
		if err != nil {
			return err
		}
		if !more {
			break
		}
	}
	return stream.Finalize()
}

// --- byte counting wrappers, for SerializationStats.Bytes -----------------

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// --- entity record, shared between formats ---------------------------------

type componentRecord struct {
	ID    uint32
	Bytes []byte
	Text  string
}

type entityRecord struct {
	Index      uint32
	Generation uint32
	HasRegion  bool
	Region     Region
	HasParent  bool
	ParentIndex uint32
	ParentGen   uint32
	Components []componentRecord
}

// --- write stream ------------------------------------------------------------

// WorldWriteStream is the streaming half of Save: OpenWrite, one
// WriteEntity call per entity, then Finalize. Save is implemented
// entirely in terms of it.
type WorldWriteStream struct {
	format SerializationFormat
	opts   SerializerOptions

	// content is the sink after optional zstd compression; hashed tees
	// every logical byte written to it into hasher too, so the
	// checksum covers pre-compression content. The checksum itself is
	// written straight to content (compressed, if enabled) but bypasses
	// hasher, keeping it inside the single zstd frame instead of
	// appended after it, which would require the reader to detect the
	// frame boundary exactly.
	content io.Writer
	hasher  hash.Hash
	hashed  io.Writer
	zw      *zstd.Encoder

	textw *bufio.Writer
}

// OpenWrite writes format's header and metadata to sink and returns a
// stream ready for WriteEntity calls. entityCountHint is advisory only
// (recorded in the metadata, not relied on by the reader, which
// terminates on an explicit end marker instead); componentIDs records
// which component ids the writer had codecs for, so a reader can check
// compatibility before touching any entity record.
func (s *WorldSerializer) OpenWrite(sink io.Writer, format SerializationFormat, opts SerializerOptions, entityCountHint uint32, componentIDs []uint32) (*WorldWriteStream, error) {
	st := &WorldWriteStream{format: format, opts: opts, hasher: newChecksum()}

	switch format {
	case FormatBinary:
		// Magic, version, and the compression flag are a plaintext
		// preamble the reader must decode before it knows whether to
		// wrap a zstd reader around the rest of the stream; everything
		// after them, including the checksum trailer, goes through
		// content (compressed if requested).
		if _, err := sink.Write(binaryMagic[:]); err != nil {
			return nil, err
		}
		if err := writeUint32(sink, binaryFormatVersion); err != nil {
			return nil, err
		}
		var flags byte
		if opts.Compress {
			flags |= 1
		}
		if _, err := sink.Write([]byte{flags}); err != nil {
			return nil, err
		}

		st.content = sink
		if opts.Compress {
			zw, err := zstd.NewWriter(sink)
			if err != nil {
				return nil, err
			}
			st.zw = zw
			st.content = zw
		}
		st.hashed = io.MultiWriter(st.content, st.hasher)
		if err := st.writeBinaryHeader(entityCountHint, componentIDs); err != nil {
			return nil, err
		}
	case FormatText:
		st.content = sink
		st.hashed = io.MultiWriter(st.content, st.hasher)
		st.textw = bufio.NewWriter(st.hashed)
		if err := st.writeTextHeader(entityCountHint, componentIDs); err != nil {
			return nil, err
		}
	default:
		return nil, SerializationFormatError{Reason: "unknown format"}
	}
	return st, nil
}

func (st *WorldWriteStream) writeBinaryHeader(entityCountHint uint32, componentIDs []uint32) error {
	if err := writeInt64(st.hashed, 0); err != nil { // created-at, caller-agnostic; stamped by app layer via Metadata.Custom if wanted
		return err
	}
	if err := writeUint32(st.hashed, entityCountHint); err != nil {
		return err
	}
	if err := writeUint32(st.hashed, uint32(len(componentIDs))); err != nil {
		return err
	}
	for _, id := range componentIDs {
		if err := writeUint32(st.hashed, id); err != nil {
			return err
		}
	}
	if err := writeStringMap(st.hashed, st.opts.Metadata); err != nil {
		return err
	}
	return nil
}

func (st *WorldWriteStream) writeTextHeader(entityCountHint uint32, componentIDs []uint32) error {
	fmt.Fprintln(st.textw, textMagicLine)
	fmt.Fprintf(st.textw, "meta.entity_count_hint=%d\n", entityCountHint)
	if len(componentIDs) > 0 {
		parts := make([]string, len(componentIDs))
		for i, id := range componentIDs {
			parts[i] = strconv.FormatUint(uint64(id), 10)
		}
		fmt.Fprintf(st.textw, "meta.components=%s\n", strings.Join(parts, ","))
	}
	keys := make([]string, 0, len(st.opts.Metadata))
	for k := range st.opts.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(st.textw, "meta.custom.%s=%s\n", escapeText(k), escapeText(st.opts.Metadata[k]))
	}
	return st.textw.Flush()
}

// WriteEntity appends one entity's record: its index/generation, region
// tag (if any), parent edge (if any), and every component w.codecs has
// a codec for and opts includes.
func (st *WorldWriteStream) WriteEntity(w *World, h Handle) error {
	region, hasRegion := w.RegionOf(h)
	parent, hasParent := w.ParentOf(h)

	var comps []componentRecord
	for _, id := range w.registeredComponentIDs() {
		if !st.opts.includes(id) {
			continue
		}
		codec := w.codecs[id]
		if !w.store.HasID(h, id) {
			continue
		}
		if st.format == FormatBinary {
			buf, ok, err := codec.encodeBinary(w.store, h)
			if err != nil {
				return err
			}
			if !ok {
				if st.opts.SkipUnboundComponents {
					continue
				}
				return fmt.Errorf("ecs: component %d has no binary codec", id)
			}
			comps = append(comps, componentRecord{ID: id, Bytes: buf})
		} else {
			text, ok, err := codec.encodeText(w.store, h)
			if err != nil {
				return err
			}
			if !ok {
				if st.opts.SkipUnboundComponents {
					continue
				}
				return fmt.Errorf("ecs: component %d has no text codec", id)
			}
			comps = append(comps, componentRecord{ID: id, Text: text})
		}
	}

	if st.format == FormatBinary {
		return st.writeBinaryEntity(h, region, hasRegion, parent, hasParent, comps)
	}
	return st.writeTextEntity(h, region, hasRegion, parent, hasParent, comps)
}

func (st *WorldWriteStream) writeBinaryEntity(h Handle, region Region, hasRegion bool, parent Handle, hasParent bool, comps []componentRecord) error {
	w := st.hashed
	if _, err := w.Write([]byte{1}); err != nil { // entity marker
		return err
	}
	if err := writeUint32(w, h.Index); err != nil {
		return err
	}
	if err := writeUint32(w, h.Generation); err != nil {
		return err
	}
	if err := writeBool(w, hasRegion); err != nil {
		return err
	}
	if hasRegion {
		if err := writeInt32(w, region.X); err != nil {
			return err
		}
		if err := writeInt32(w, region.Y); err != nil {
			return err
		}
		if err := writeInt32(w, region.Z); err != nil {
			return err
		}
	}
	if err := writeBool(w, hasParent); err != nil {
		return err
	}
	if hasParent {
		if err := writeUint32(w, parent.Index); err != nil {
			return err
		}
		if err := writeUint32(w, parent.Generation); err != nil {
			return err
		}
	}
	if err := writeUint32(w, uint32(len(comps))); err != nil {
		return err
	}
	for _, c := range comps {
		if err := writeUint32(w, c.ID); err != nil {
			return err
		}
		if err := writeBytes(w, c.Bytes); err != nil {
			return err
		}
	}
	return nil
}

func (st *WorldWriteStream) writeTextEntity(h Handle, region Region, hasRegion bool, parent Handle, hasParent bool, comps []componentRecord) error {
	fmt.Fprintf(st.textw, "entity %d %d\n", h.Index, h.Generation)
	if hasRegion {
		fmt.Fprintf(st.textw, "region %d %d %d\n", region.X, region.Y, region.Z)
	}
	if hasParent {
		fmt.Fprintf(st.textw, "parent %d %d\n", parent.Index, parent.Generation)
	}
	for _, c := range comps {
		fmt.Fprintf(st.textw, "component %d %s\n", c.ID, escapeText(c.Text))
	}
	fmt.Fprintln(st.textw, "end-entity")
	return st.textw.Flush()
}

// Finalize writes the end-of-entities marker, the trailer, and the
// content checksum, then flushes and closes any compressor in use.
func (st *WorldWriteStream) Finalize() error {
	if st.format == FormatBinary {
		if _, err := st.hashed.Write([]byte{0}); err != nil {
			return err
		}
		if _, err := st.content.Write(st.hasher.Sum(nil)); err != nil {
			return err
		}
		if st.zw != nil {
			return st.zw.Close()
		}
		return nil
	}

	fmt.Fprintln(st.textw, "end-world")
	if err := st.textw.Flush(); err != nil {
		return err
	}
	// The checksum line is written straight to content, bypassing
	// hashed: it covers every line before it, so it cannot include
	// itself.
	_, err := fmt.Fprintf(st.content, "checksum %s\n", hex.EncodeToString(st.hasher.Sum(nil)))
	return err
}

// --- read stream --------------------------------------------------------------

// WorldReadStream is the streaming half of Load: OpenRead, repeated
// ReadEntity calls until more is false, then Finalize to verify the
// trailing checksum.
type WorldReadStream struct {
	format SerializationFormat

	content io.Reader
	hasher  hash.Hash
	hashed  io.Reader
	zr      *zstd.Decoder

	scanner *bufio.Scanner
	pending *string
}

// OpenRead reads format's header and metadata from source.
func (s *WorldSerializer) OpenRead(source io.Reader, format SerializationFormat) (*WorldReadStream, Metadata, error) {
	st := &WorldReadStream{format: format, hasher: newChecksum()}

	switch format {
	case FormatBinary:
		var magic [4]byte
		if _, err := io.ReadFull(source, magic[:]); err != nil {
			return nil, Metadata{}, SerializationFormatError{Reason: "truncated header"}
		}
		if magic != binaryMagic {
			return nil, Metadata{}, SerializationFormatError{Reason: "bad magic"}
		}
		version, err := readUint32(source)
		if err != nil {
			return nil, Metadata{}, err
		}
		if version != binaryFormatVersion {
			return nil, Metadata{}, SerializationFormatError{Reason: fmt.Sprintf("unsupported version %d", version)}
		}
		var flagBuf [1]byte
		if _, err := io.ReadFull(source, flagBuf[:]); err != nil {
			return nil, Metadata{}, SerializationFormatError{Reason: "truncated header"}
		}

		st.content = source
		if flagBuf[0]&1 != 0 {
			zr, err := zstd.NewReader(source)
			if err != nil {
				return nil, Metadata{}, err
			}
			st.zr = zr
			st.content = zr
		}
		st.hashed = io.TeeReader(st.content, st.hasher)

		createdAt, err := readInt64(st.hashed)
		if err != nil {
			return nil, Metadata{}, err
		}
		hint, err := readUint32(st.hashed)
		if err != nil {
			return nil, Metadata{}, err
		}
		idCount, err := readUint32(st.hashed)
		if err != nil {
			return nil, Metadata{}, err
		}
		ids := make([]uint32, idCount)
		for i := range ids {
			if ids[i], err = readUint32(st.hashed); err != nil {
				return nil, Metadata{}, err
			}
		}
		custom, err := readStringMap(st.hashed)
		if err != nil {
			return nil, Metadata{}, err
		}
		return st, Metadata{CreatedAtUnix: createdAt, EntityCountHint: hint, ComponentIDs: ids, Custom: custom}, nil

	case FormatText:
		// The scanner reads directly from content, not through a tee:
		// bufio.Scanner reads ahead in chunks, so a tee here would
		// fold bytes from lines past the one Scan() just returned
		// (including the checksum line itself) into the hash before
		// Finalize gets a chance to stop it. Lines are hashed
		// explicitly, one at a time, as they are accepted.
		st.content = source
		st.scanner = bufio.NewScanner(st.content)
		st.scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		magic, ok := st.scanHashedLine()
		if !ok {
			return nil, Metadata{}, SerializationFormatError{Reason: "empty text world file"}
		}
		if magic != textMagicLine {
			return nil, Metadata{}, SerializationFormatError{Reason: "bad text magic line"}
		}
		meta := Metadata{Custom: make(map[string]string)}
		for {
			line, ok := st.peekLine()
			if !ok || !strings.HasPrefix(line, "meta.") {
				break
			}
			st.consumeLine()
			key, val, err := splitKV(line)
			if err != nil {
				return nil, Metadata{}, err
			}
			switch {
			case key == "meta.entity_count_hint":
				n, err := strconv.ParseUint(val, 10, 32)
				if err != nil {
					return nil, Metadata{}, SerializationFormatError{Reason: "bad entity_count_hint"}
				}
				meta.EntityCountHint = uint32(n)
			case key == "meta.components":
				for _, part := range strings.Split(val, ",") {
					id, err := strconv.ParseUint(part, 10, 32)
					if err != nil {
						return nil, Metadata{}, SerializationFormatError{Reason: "bad components list"}
					}
					meta.ComponentIDs = append(meta.ComponentIDs, uint32(id))
				}
			case strings.HasPrefix(key, "meta.custom."):
				meta.Custom[unescapeText(strings.TrimPrefix(key, "meta.custom."))] = unescapeText(val)
			}
		}
		return st, meta, nil
	}
	return nil, Metadata{}, SerializationFormatError{Reason: "unknown format"}
}

// peekLine/consumeLine give the text reader one line of lookahead
// without re-scanning, needed because the metadata block has no
// explicit terminator other than "the next line doesn't start with
// meta.". consumeLine feeds the line into the running checksum hash;
// every line of the text format is hashed this way except the final
// "checksum ..." trailer, which Finalize reads with consumeLineRaw.
func (st *WorldReadStream) peekLine() (string, bool) {
	if st.pending != nil {
		return *st.pending, true
	}
	if !st.scanner.Scan() {
		return "", false
	}
	line := st.scanner.Text()
	st.pending = &line
	return line, true
}

func (st *WorldReadStream) consumeLine() {
	if st.pending != nil {
		st.hasher.Write([]byte(*st.pending))
		st.hasher.Write([]byte("\n"))
	}
	st.pending = nil
}

// consumeLineRaw clears the pending line without hashing it, used only
// for the checksum trailer line.
func (st *WorldReadStream) consumeLineRaw() {
	st.pending = nil
}

// scanHashedLine reads and hashes the next line in one step, for call
// sites that don't need peek-ahead.
func (st *WorldReadStream) scanHashedLine() (string, bool) {
	line, ok := st.peekLine()
	if !ok {
		return "", false
	}
	st.consumeLine()
	return line, true
}

// ReadEntity decodes the next entity record. more is false (with a nil
// error) once the end-of-entities marker has been read.
func (st *WorldReadStream) ReadEntity() (entityRecord, bool, error) {
	if st.format == FormatBinary {
		return st.readBinaryEntity()
	}
	return st.readTextEntity()
}

func (st *WorldReadStream) readBinaryEntity() (entityRecord, bool, error) {
	var marker [1]byte
	if _, err := io.ReadFull(st.hashed, marker[:]); err != nil {
		return entityRecord{}, false, SerializationFormatError{Reason: "truncated stream"}
	}
	if marker[0] == 0 {
		return entityRecord{}, false, nil
	}

	var rec entityRecord
	var err error
	if rec.Index, err = readUint32(st.hashed); err != nil {
		return entityRecord{}, false, err
	}
	if rec.Generation, err = readUint32(st.hashed); err != nil {
		return entityRecord{}, false, err
	}
	if rec.HasRegion, err = readBool(st.hashed); err != nil {
		return entityRecord{}, false, err
	}
	if rec.HasRegion {
		if rec.Region.X, err = readInt32(st.hashed); err != nil {
			return entityRecord{}, false, err
		}
		if rec.Region.Y, err = readInt32(st.hashed); err != nil {
			return entityRecord{}, false, err
		}
		if rec.Region.Z, err = readInt32(st.hashed); err != nil {
			return entityRecord{}, false, err
		}
	}
	if rec.HasParent, err = readBool(st.hashed); err != nil {
		return entityRecord{}, false, err
	}
	if rec.HasParent {
		if rec.ParentIndex, err = readUint32(st.hashed); err != nil {
			return entityRecord{}, false, err
		}
		if rec.ParentGen, err = readUint32(st.hashed); err != nil {
			return entityRecord{}, false, err
		}
	}
	count, err := readUint32(st.hashed)
	if err != nil {
		return entityRecord{}, false, err
	}
	rec.Components = make([]componentRecord, count)
	for i := range rec.Components {
		id, err := readUint32(st.hashed)
		if err != nil {
			return entityRecord{}, false, err
		}
		buf, err := readBytes(st.hashed)
		if err != nil {
			return entityRecord{}, false, err
		}
		rec.Components[i] = componentRecord{ID: id, Bytes: buf}
	}
	return rec, true, nil
}

func (st *WorldReadStream) readTextEntity() (entityRecord, bool, error) {
	line, ok := st.peekLine()
	if !ok {
		return entityRecord{}, false, SerializationFormatError{Reason: "truncated text stream"}
	}
	if line == "end-world" {
		st.consumeLine()
		return entityRecord{}, false, nil
	}
	st.consumeLine()

	var rec entityRecord
	fields := strings.Fields(line)
	if len(fields) != 3 || fields[0] != "entity" {
		return entityRecord{}, false, SerializationFormatError{Reason: "malformed entity line: " + line}
	}
	idx, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return entityRecord{}, false, SerializationFormatError{Reason: "malformed entity index: " + line}
	}
	gen, err := strconv.ParseUint(fields[2], 10, 32)
	if err != nil {
		return entityRecord{}, false, SerializationFormatError{Reason: "malformed entity generation: " + line}
	}
	rec.Index, rec.Generation = uint32(idx), uint32(gen)

	for {
		line, ok := st.peekLine()
		if !ok {
			return entityRecord{}, false, SerializationFormatError{Reason: "truncated entity record"}
		}
		st.consumeLine()
		if line == "end-entity" {
			return rec, true, nil
		}
		fields := strings.Fields(line)
		switch {
		case len(fields) == 4 && fields[0] == "region":
			x, e1 := strconv.ParseInt(fields[1], 10, 32)
			y, e2 := strconv.ParseInt(fields[2], 10, 32)
			z, e3 := strconv.ParseInt(fields[3], 10, 32)
			if e1 != nil || e2 != nil || e3 != nil {
				return entityRecord{}, false, SerializationFormatError{Reason: "malformed region line: " + line}
			}
			rec.HasRegion = true
			rec.Region = Region{X: int32(x), Y: int32(y), Z: int32(z)}
		case len(fields) == 3 && fields[0] == "parent":
			pi, e1 := strconv.ParseUint(fields[1], 10, 32)
			pg, e2 := strconv.ParseUint(fields[2], 10, 32)
			if e1 != nil || e2 != nil {
				return entityRecord{}, false, SerializationFormatError{Reason: "malformed parent line: " + line}
			}
			rec.HasParent = true
			rec.ParentIndex, rec.ParentGen = uint32(pi), uint32(pg)
		case strings.HasPrefix(line, "component "):
			// Split, don't Fields: the payload is verbatim and may hold
			// runs of spaces.
			parts := strings.SplitN(line, " ", 3)
			id, e1 := strconv.ParseUint(parts[1], 10, 32)
			if e1 != nil {
				return entityRecord{}, false, SerializationFormatError{Reason: "malformed component line: " + line}
			}
			text := ""
			if len(parts) == 3 {
				text = unescapeText(parts[2])
			}
			rec.Components = append(rec.Components, componentRecord{ID: uint32(id), Text: text})
		default:
			return entityRecord{}, false, SerializationFormatError{Reason: "unrecognized entity field: " + line}
		}
	}
}

// Finalize reads the trailer and checksum and verifies it against the
// hash accumulated over everything read so far.
func (st *WorldReadStream) Finalize() error {
	if st.format == FormatText {
		line, ok := st.peekLine()
		if !ok || !strings.HasPrefix(line, "checksum ") {
			return SerializationFormatError{Reason: "missing checksum line"}
		}
		st.consumeLineRaw()
		want, err := hex.DecodeString(strings.TrimPrefix(line, "checksum "))
		if err != nil || len(want) != checksumSize {
			return SerializationFormatError{Reason: "malformed checksum line"}
		}
		if !bytes.Equal(st.hasher.Sum(nil), want) {
			return SerializationFormatError{Reason: "checksum mismatch"}
		}
		return nil
	}

	// The checksum trailer is read through content (so it still passes
	// through decompression) but bypasses hashed: it covers every byte
	// read before it, and reading it through the hasher would fold the
	// checksum's own bytes into the sum it is being compared against.
	want := make([]byte, checksumSize)
	if _, err := io.ReadFull(st.content, want); err != nil {
		return SerializationFormatError{Reason: "missing checksum"}
	}
	if !bytes.Equal(st.hasher.Sum(nil), want) {
		return SerializationFormatError{Reason: "checksum mismatch"}
	}
	if st.zr != nil {
		st.zr.Close()
	}
	return nil
}

// --- delta / incremental save --------------------------------------------------

// DeltaTracker accumulates ChangeRecords for every component w has a
// registered codec for, for use by SaveChanges. Built by StartTracking.
type DeltaTracker struct {
	w       *World
	mu      sync.Mutex
	records []ChangeRecord
	tokens  []SubscriptionToken
}

// StartTracking subscribes to every component w has a codec for and
// begins accumulating their change records. w must have been built
// with FeatureFlags.ChangeTracking.
func (s *WorldSerializer) StartTracking(w *World) (*DeltaTracker, error) {
	if w.tracker == nil {
		return nil, fmt.Errorf("ecs: change tracking not enabled on this world")
	}
	dt := &DeltaTracker{w: w}
	for _, id := range w.registeredComponentIDs() {
		token := w.tracker.Subscribe(id, []ChangeKind{Added, Modified, Removed}, 0, dt.collect)
		dt.tokens = append(dt.tokens, token)
	}
	return dt, nil
}

func (dt *DeltaTracker) collect(records []ChangeRecord) {
	dt.mu.Lock()
	dt.records = append(dt.records, records...)
	dt.mu.Unlock()
}

// Stop unsubscribes dt from its world's ChangeTracker.
func (dt *DeltaTracker) Stop() {
	for _, token := range dt.tokens {
		dt.w.tracker.Unsubscribe(token)
	}
}

// SaveChanges writes every entity touched by a record dt has
// accumulated since the last SaveChanges call, then clears them. Each
// entity is written with its current component snapshot (not a diff),
// so ApplyChanges re-attaches or overwrites what is present; a
// component removed since the base save is simply absent from the
// record. ApplyChanges does not detach components on its target for
// that reason — a delta widens a world's state, it does not prune it.
func (s *WorldSerializer) SaveChanges(dt *DeltaTracker, sink io.Writer, format SerializationFormat, opts SerializerOptions) error {
	dt.mu.Lock()
	records := dt.records
	dt.records = nil
	dt.mu.Unlock()

	touched := make(map[Handle]bool)
	order := make([]Handle, 0, len(records))
	for _, r := range records {
		if !touched[r.Entity] {
			touched[r.Entity] = true
			order = append(order, r.Entity)
		}
	}

	stream, err := s.OpenWrite(sink, format, opts, uint32(len(order)), dt.w.registeredComponentIDs())
	if err != nil {
		return err
	}
	for _, h := range order {
		if err := stream.WriteEntity(dt.w, h); err != nil {
			return err
		}
	}
	return stream.Finalize()
}

// ApplyChanges reads a delta written by SaveChanges and applies it
// directly to target's live store: unlike Load, this mutates target in
// place rather than swapping in a scratch world, since a delta is by
// definition a partial update, not a full snapshot.
func (s *WorldSerializer) ApplyChanges(target *World, sink io.Reader, format SerializationFormat, opts SerializerOptions) error {
	stream, _, err := s.OpenRead(sink, format)
	if err != nil {
		return err
	}
	for {
		rec, more, err := stream.ReadEntity()
		if err != nil {
			return err
		}
		if !more {
			break
		}
		if !target.IsValid(Handle{Index: rec.Index, Generation: rec.Generation}) {
			continue
		}
		h := Handle{Index: rec.Index, Generation: rec.Generation}
		for _, cr := range rec.Components {
			codec, ok := target.codecs[cr.ID]
			if !ok {
				if opts.SkipUnknownComponents {
					continue
				}
				return UnknownComponentIDError{ComponentID: cr.ID}
			}
			var decodeErr error
			if format == FormatBinary {
				decodeErr = codec.decodeBinary(target.store, h, cr.Bytes)
			} else {
				decodeErr = codec.decodeText(target.store, h, cr.Text)
			}
			if decodeErr != nil {
				return decodeErr
			}
		}
	}
	return stream.Finalize()
}

// --- low-level binary field encoding -------------------------------------------

func writeUint32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func writeInt32(w io.Writer, v int32) error { return writeUint32(w, uint32(v)) }

func writeUint64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func writeInt64(w io.Writer, v int64) error { return writeUint64(w, uint64(v)) }

func writeBool(w io.Writer, v bool) error {
	if v {
		_, err := w.Write([]byte{1})
		return err
	}
	_, err := w.Write([]byte{0})
	return err
}

func writeBytes(w io.Writer, b []byte) error {
	if err := writeUint32(w, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

// writeStringMap writes m with keys in ascending order, keeping the
// binary format bit-exact across runs regardless of map iteration
// order.
func writeStringMap(w io.Writer, m map[string]string) error {
	if err := writeUint32(w, uint32(len(m))); err != nil {
		return err
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := writeBytes(w, []byte(k)); err != nil {
			return err
		}
		if err := writeBytes(w, []byte(m[k])); err != nil {
			return err
		}
	}
	return nil
}

func readUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, SerializationFormatError{Reason: "truncated stream"}
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func readInt32(r io.Reader) (int32, error) {
	v, err := readUint32(r)
	return int32(v), err
}

func readUint64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, SerializationFormatError{Reason: "truncated stream"}
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func readInt64(r io.Reader) (int64, error) {
	v, err := readUint64(r)
	return int64(v), err
}

func readBool(r io.Reader) (bool, error) {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return false, SerializationFormatError{Reason: "truncated stream"}
	}
	return buf[0] != 0, nil
}

func readBytes(r io.Reader) ([]byte, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, SerializationFormatError{Reason: "truncated stream"}
	}
	return buf, nil
}

func readStringMap(r io.Reader) (map[string]string, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string, n)
	for i := uint32(0); i < n; i++ {
		k, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		v, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		m[string(k)] = string(v)
	}
	return m, nil
}

// --- text format helpers -------------------------------------------------------

func escapeText(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\n", "\\n")
	return s
}

func unescapeText(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			switch s[i+1] {
			case 'n':
				b.WriteByte('\n')
				i++
				continue
			case '\\':
				b.WriteByte('\\')
				i++
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func splitKV(line string) (string, string, error) {
	i := strings.IndexByte(line, '=')
	if i < 0 {
		return "", "", SerializationFormatError{Reason: "malformed metadata line: " + line}
	}
	return line[:i], line[i+1:], nil
}

