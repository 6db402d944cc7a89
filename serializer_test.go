package ecs

import (
	"bytes"
	"testing"
)

// buildTestWorld constructs a world with codecs for the shared test
// components registered.
func buildTestWorld(features FeatureFlags) (*World, AccessibleComponent[Position], AccessibleComponent[Velocity], AccessibleComponent[Health]) {
	w := Factory.NewWorld(features)
	posComp := FactoryNewComponent[Position]()
	velComp := FactoryNewComponent[Velocity]()
	healthComp := FactoryNewComponent[Health]()
	RegisterComponentCodec(w, posComp)
	RegisterComponentCodec(w, velComp)
	RegisterComponentCodec(w, healthComp)
	return w, posComp, velComp, healthComp
}

func TestSaveLoadRoundTripBinary(t *testing.T) {
	w, posComp, velComp, healthComp := buildTestWorld(FeatureFlags{})

	var handles []Handle
	for i := 0; i < 100; i++ {
		h, err := w.CreateEntity()
		if err != nil {
			t.Fatalf("CreateEntity: %v", err)
		}
		if err := SetComponentValue(w, h, posComp, Position{X: float64(i), Y: float64(2 * i)}); err != nil {
			t.Fatalf("set position: %v", err)
		}
		if err := SetComponentValue(w, h, velComp, Velocity{X: 1, Y: -1}); err != nil {
			t.Fatalf("set velocity: %v", err)
		}
		if err := SetComponentValue(w, h, healthComp, Health{Current: int32(100 - i), Max: 100}); err != nil {
			t.Fatalf("set health: %v", err)
		}
		handles = append(handles, h)
	}

	var buf bytes.Buffer
	if err := w.Save(&buf, FormatBinary, SerializerOptions{}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := w.Load(bytes.NewReader(buf.Bytes()), FormatBinary, SerializerOptions{}); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got := w.LiveEntityCount(); got != 100 {
		t.Fatalf("live entities after load = %d, want 100", got)
	}
	for i, h := range handles {
		if !w.IsValid(h) {
			t.Fatalf("entity %d lost its identity on load", i)
		}
		pos, err := GetComponentValue(w, h, posComp)
		if err != nil {
			t.Fatalf("position of %d: %v", i, err)
		}
		if pos.X != float64(i) || pos.Y != float64(2*i) {
			t.Errorf("position of %d = %+v, want {%d %d}", i, *pos, i, 2*i)
		}
		vel, err := GetComponentValue(w, h, velComp)
		if err != nil {
			t.Fatalf("velocity of %d: %v", i, err)
		}
		if vel.X != 1 || vel.Y != -1 {
			t.Errorf("velocity of %d = %+v, want {1 -1}", i, *vel)
		}
		hp, err := GetComponentValue(w, h, healthComp)
		if err != nil {
			t.Fatalf("health of %d: %v", i, err)
		}
		if hp.Current != int32(100-i) || hp.Max != 100 {
			t.Errorf("health of %d = %+v, want {%d 100}", i, *hp, 100-i)
		}
	}
}

func TestSaveLoadRoundTripText(t *testing.T) {
	w := Factory.NewWorld(FeatureFlags{})
	nameComp := FactoryNewComponent[Name]()
	RegisterComponentCodec(w, nameComp)

	// Payloads that stress the line format: runs of spaces, an empty
	// string, embedded newline and backslash.
	values := []string{"Hero of  Ages", "", "line\nbreak", "back\\slash"}
	var handles []Handle
	for _, v := range values {
		h, err := w.CreateEntity()
		if err != nil {
			t.Fatalf("CreateEntity: %v", err)
		}
		if err := SetComponentValue(w, h, nameComp, Name{Value: v}); err != nil {
			t.Fatalf("set name: %v", err)
		}
		handles = append(handles, h)
	}

	var buf bytes.Buffer
	if err := w.Save(&buf, FormatText, SerializerOptions{}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := w.Load(bytes.NewReader(buf.Bytes()), FormatText, SerializerOptions{}); err != nil {
		t.Fatalf("Load: %v", err)
	}

	for i, h := range handles {
		name, err := GetComponentValue(w, h, nameComp)
		if err != nil {
			t.Fatalf("name of %d: %v", i, err)
		}
		if name.Value != values[i] {
			t.Errorf("name of %d = %q, want %q", i, name.Value, values[i])
		}
	}
}

func TestSaveLoadCompressed(t *testing.T) {
	w, posComp, _, _ := buildTestWorld(FeatureFlags{})

	for i := 0; i < 50; i++ {
		h, _ := w.CreateEntity()
		if err := SetComponentValue(w, h, posComp, Position{X: float64(i)}); err != nil {
			t.Fatalf("set position: %v", err)
		}
	}

	var plain, compressed bytes.Buffer
	if err := w.Save(&plain, FormatBinary, SerializerOptions{}); err != nil {
		t.Fatalf("plain Save: %v", err)
	}
	if err := w.Save(&compressed, FormatBinary, SerializerOptions{Compress: true}); err != nil {
		t.Fatalf("compressed Save: %v", err)
	}

	if err := w.Load(bytes.NewReader(compressed.Bytes()), FormatBinary, SerializerOptions{}); err != nil {
		t.Fatalf("Load compressed: %v", err)
	}
	if got := w.LiveEntityCount(); got != 50 {
		t.Errorf("live entities after compressed load = %d, want 50", got)
	}
}

func TestSaveLoadSaveBytesIdentical(t *testing.T) {
	w, posComp, velComp, _ := buildTestWorld(FeatureFlags{})

	for i := 0; i < 20; i++ {
		h, _ := w.CreateEntity()
		SetComponentValue(w, h, posComp, Position{X: float64(i), Y: float64(i)})
		SetComponentValue(w, h, velComp, Velocity{X: 1, Y: 2})
	}

	opts := SerializerOptions{Metadata: map[string]string{"scene": "test", "author": "suite"}}
	var first bytes.Buffer
	if err := w.Save(&first, FormatBinary, opts); err != nil {
		t.Fatalf("first Save: %v", err)
	}
	if err := w.Load(bytes.NewReader(first.Bytes()), FormatBinary, SerializerOptions{}); err != nil {
		t.Fatalf("Load: %v", err)
	}
	var second bytes.Buffer
	if err := w.Save(&second, FormatBinary, opts); err != nil {
		t.Fatalf("second Save: %v", err)
	}

	if !bytes.Equal(first.Bytes(), second.Bytes()) {
		t.Error("save-load-save produced different bytes")
	}
}

func TestLoadCorruptedFailsAtomically(t *testing.T) {
	w, posComp, _, _ := buildTestWorld(FeatureFlags{})

	marker, _ := w.CreateEntity()
	if err := SetComponentValue(w, marker, posComp, Position{X: 42}); err != nil {
		t.Fatalf("set position: %v", err)
	}

	var buf bytes.Buffer
	if err := w.Save(&buf, FormatBinary, SerializerOptions{}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	corrupted := append([]byte{}, buf.Bytes()...)
	corrupted[len(corrupted)-15] ^= 0xFF

	if err := w.ValidateFile(bytes.NewReader(corrupted), FormatBinary); err == nil {
		t.Error("ValidateFile accepted a corrupted stream")
	}
	if err := w.Load(bytes.NewReader(corrupted), FormatBinary, SerializerOptions{}); err == nil {
		t.Fatal("Load accepted a corrupted stream")
	}

	// The failed load must not have touched the live world.
	if !w.IsValid(marker) {
		t.Fatal("marker entity invalidated by a failed load")
	}
	pos, err := GetComponentValue(w, marker, posComp)
	if err != nil || pos.X != 42 {
		t.Errorf("marker position = %v, %v; want {42 0}, nil", pos, err)
	}

	if err := w.ValidateFile(bytes.NewReader(buf.Bytes()), FormatBinary); err != nil {
		t.Errorf("ValidateFile rejected an intact stream: %v", err)
	}
}

func TestLoadRejectsBadMagicAndVersion(t *testing.T) {
	w, _, _, _ := buildTestWorld(FeatureFlags{})

	var buf bytes.Buffer
	if err := w.Save(&buf, FormatBinary, SerializerOptions{}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	badMagic := append([]byte{}, buf.Bytes()...)
	badMagic[0] = 'X'
	if err := w.Load(bytes.NewReader(badMagic), FormatBinary, SerializerOptions{}); err == nil {
		t.Error("Load accepted a bad magic")
	}

	badVersion := append([]byte{}, buf.Bytes()...)
	badVersion[4] = 0xFF
	if err := w.Load(bytes.NewReader(badVersion), FormatBinary, SerializerOptions{}); err == nil {
		t.Error("Load accepted an unsupported version")
	}

	if err := w.Load(bytes.NewReader(nil), FormatBinary, SerializerOptions{}); err == nil {
		t.Error("Load accepted an empty stream")
	}
}

func TestLoadUnknownComponentPolicy(t *testing.T) {
	src := Factory.NewWorld(FeatureFlags{})
	posComp := FactoryNewComponent[Position]()
	RegisterComponentCodec(src, posComp)

	h, _ := src.CreateEntity()
	if err := SetComponentValue(src, h, posComp, Position{X: 7}); err != nil {
		t.Fatalf("set position: %v", err)
	}
	var buf bytes.Buffer
	if err := src.Save(&buf, FormatBinary, SerializerOptions{}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// A world with no codec for the saved component must fail by
	// default and skip under the policy flag.
	strict := Factory.NewWorld(FeatureFlags{})
	err := strict.Load(bytes.NewReader(buf.Bytes()), FormatBinary, SerializerOptions{})
	if _, ok := err.(UnknownComponentIDError); !ok {
		t.Errorf("strict load error = %v, want UnknownComponentIDError", err)
	}

	lax := Factory.NewWorld(FeatureFlags{})
	if err := lax.Load(bytes.NewReader(buf.Bytes()), FormatBinary, SerializerOptions{SkipUnknownComponents: true}); err != nil {
		t.Fatalf("lax load: %v", err)
	}
	if got := lax.LiveEntityCount(); got != 1 {
		t.Errorf("lax load produced %d entities, want 1 (component skipped, entity kept)", got)
	}
}

func TestSaveSkipUnboundComponents(t *testing.T) {
	w := Factory.NewWorld(FeatureFlags{})
	nameComp := FactoryNewComponent[Name]() // text-only: no BinaryMarshaler
	RegisterComponentCodec(w, nameComp)

	h, _ := w.CreateEntity()
	if err := SetComponentValue(w, h, nameComp, Name{Value: "ghost"}); err != nil {
		t.Fatalf("set name: %v", err)
	}

	var buf bytes.Buffer
	if err := w.Save(&buf, FormatBinary, SerializerOptions{}); err == nil {
		t.Error("binary save of a text-only component should fail without the skip flag")
	}
	buf.Reset()
	if err := w.Save(&buf, FormatBinary, SerializerOptions{SkipUnboundComponents: true}); err != nil {
		t.Fatalf("skip-flag save: %v", err)
	}
}

func TestFileMetadata(t *testing.T) {
	w, _, _, _ := buildTestWorld(FeatureFlags{})
	for i := 0; i < 3; i++ {
		w.CreateEntity()
	}

	opts := SerializerOptions{Metadata: map[string]string{"scene": "harbor", "build": "77"}}
	for _, format := range []SerializationFormat{FormatBinary, FormatText} {
		var buf bytes.Buffer
		if err := w.Save(&buf, format, opts); err != nil {
			t.Fatalf("Save format %d: %v", format, err)
		}
		meta, err := w.FileMetadata(bytes.NewReader(buf.Bytes()), format)
		if err != nil {
			t.Fatalf("FileMetadata format %d: %v", format, err)
		}
		if meta.EntityCountHint != 3 {
			t.Errorf("format %d entity hint = %d, want 3", format, meta.EntityCountHint)
		}
		if meta.Custom["scene"] != "harbor" || meta.Custom["build"] != "77" {
			t.Errorf("format %d custom metadata = %v", format, meta.Custom)
		}
		if len(meta.ComponentIDs) != 3 {
			t.Errorf("format %d recorded %d component ids, want 3", format, len(meta.ComponentIDs))
		}
	}
}

func TestRelationshipsAndRegionsSurviveLoad(t *testing.T) {
	w, posComp, _, _ := buildTestWorld(FeatureFlags{})

	parent, err := w.CreateInRegion(Region{X: 1, Y: 2, Z: 3})
	if err != nil {
		t.Fatalf("CreateInRegion: %v", err)
	}
	child, _ := w.CreateEntity()
	if err := w.SetParent(child, parent); err != nil {
		t.Fatalf("SetParent: %v", err)
	}
	SetComponentValue(w, parent, posComp, Position{X: 5})

	var buf bytes.Buffer
	if err := w.Save(&buf, FormatBinary, SerializerOptions{}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := w.Load(bytes.NewReader(buf.Bytes()), FormatBinary, SerializerOptions{}); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if p, ok := w.ParentOf(child); !ok || p != parent {
		t.Errorf("ParentOf(child) after load = %v, %v; want %v, true", p, ok, parent)
	}
	if r, ok := w.RegionOf(parent); !ok || r != (Region{X: 1, Y: 2, Z: 3}) {
		t.Errorf("RegionOf(parent) after load = %v, %v", r, ok)
	}
}

func TestSaveLoadEntitySubset(t *testing.T) {
	src, posComp, _, _ := buildTestWorld(FeatureFlags{})

	var all []Handle
	for i := 0; i < 3; i++ {
		h, _ := src.CreateEntity()
		SetComponentValue(src, h, posComp, Position{X: float64(10 * i)})
		all = append(all, h)
	}

	var buf bytes.Buffer
	if err := src.SaveEntities(&buf, FormatBinary, SerializerOptions{}, all[0], all[2]); err != nil {
		t.Fatalf("SaveEntities: %v", err)
	}

	dst := Factory.NewWorld(FeatureFlags{})
	dstPos := FactoryNewComponent[Position]()
	RegisterComponentCodec(dst, dstPos)
	existing, _ := dst.CreateEntity()

	loaded, err := dst.LoadEntities(bytes.NewReader(buf.Bytes()), FormatBinary, SerializerOptions{})
	if err != nil {
		t.Fatalf("LoadEntities: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("loaded %d entities, want 2", len(loaded))
	}
	if !dst.IsValid(existing) {
		t.Error("merging a subset must not disturb existing entities")
	}
	wantX := []float64{0, 20}
	for i, h := range loaded {
		pos, err := GetComponentValue(dst, h, dstPos)
		if err != nil {
			t.Fatalf("position of loaded %d: %v", i, err)
		}
		if pos.X != wantX[i] {
			t.Errorf("loaded %d X = %v, want %v", i, pos.X, wantX[i])
		}
	}
}

func TestDeltaSaveApply(t *testing.T) {
	w, posComp, _, _ := buildTestWorld(FeatureFlags{ChangeTracking: true})

	h, _ := w.CreateEntity()
	if err := SetComponentValue(w, h, posComp, Position{X: 1, Y: 1}); err != nil {
		t.Fatalf("initial value: %v", err)
	}

	// Snapshot the base state, then track changes past it.
	var base bytes.Buffer
	if err := w.Save(&base, FormatBinary, SerializerOptions{}); err != nil {
		t.Fatalf("base Save: %v", err)
	}

	dt, err := w.StartTracking()
	if err != nil {
		t.Fatalf("StartTracking: %v", err)
	}
	defer dt.Stop()

	if err := SetComponentValue(w, h, posComp, Position{X: 5, Y: 5}); err != nil {
		t.Fatalf("modify: %v", err)
	}
	w.Tracker().DrainPending()

	var delta bytes.Buffer
	if err := w.SaveChanges(dt, &delta, FormatBinary, SerializerOptions{}); err != nil {
		t.Fatalf("SaveChanges: %v", err)
	}

	// Rebuild the base state in a second world and replay the delta.
	replica := Factory.NewWorld(FeatureFlags{})
	replicaPos := posComp
	RegisterComponentCodec(replica, replicaPos)
	if err := replica.Load(bytes.NewReader(base.Bytes()), FormatBinary, SerializerOptions{}); err != nil {
		t.Fatalf("replica Load: %v", err)
	}
	if err := replica.ApplyChanges(bytes.NewReader(delta.Bytes()), FormatBinary, SerializerOptions{}); err != nil {
		t.Fatalf("ApplyChanges: %v", err)
	}

	pos, err := GetComponentValue(replica, h, replicaPos)
	if err != nil {
		t.Fatalf("replica position: %v", err)
	}
	if pos.X != 5 || pos.Y != 5 {
		t.Errorf("replica position = %+v, want {5 5}", *pos)
	}
}

func TestSerializationProfiling(t *testing.T) {
	w, posComp, _, _ := buildTestWorld(FeatureFlags{SerializationProfiling: true})

	for i := 0; i < 10; i++ {
		h, _ := w.CreateEntity()
		SetComponentValue(w, h, posComp, Position{X: float64(i)})
	}
	var buf bytes.Buffer
	if err := w.Save(&buf, FormatBinary, SerializerOptions{}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	stats := w.serializer.Stats()
	if stats.Entities != 10 {
		t.Errorf("profiled entities = %d, want 10", stats.Entities)
	}
	if stats.Bytes != int64(buf.Len()) {
		t.Errorf("profiled bytes = %d, want %d", stats.Bytes, buf.Len())
	}
}

func TestStreamingWriteRead(t *testing.T) {
	w, posComp, _, _ := buildTestWorld(FeatureFlags{})

	var handles []Handle
	for i := 0; i < 5; i++ {
		h, _ := w.CreateEntity()
		SetComponentValue(w, h, posComp, Position{X: float64(i)})
		handles = append(handles, h)
	}

	var buf bytes.Buffer
	stream, err := w.serializer.OpenWrite(&buf, FormatBinary, SerializerOptions{}, uint32(len(handles)), w.registeredComponentIDs())
	if err != nil {
		t.Fatalf("OpenWrite: %v", err)
	}
	for _, h := range handles {
		if err := stream.WriteEntity(w, h); err != nil {
			t.Fatalf("WriteEntity: %v", err)
		}
	}
	if err := stream.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	read, meta, err := w.serializer.OpenRead(bytes.NewReader(buf.Bytes()), FormatBinary)
	if err != nil {
		t.Fatalf("OpenRead: %v", err)
	}
	if meta.EntityCountHint != 5 {
		t.Errorf("entity hint = %d, want 5", meta.EntityCountHint)
	}
	n := 0
	for {
		rec, more, err := read.ReadEntity()
		if err != nil {
			t.Fatalf("ReadEntity: %v", err)
		}
		if !more {
			break
		}
		if rec.Index != handles[n].Index {
			t.Errorf("record %d index = %d, want %d", n, rec.Index, handles[n].Index)
		}
		if len(rec.Components) != 1 {
			t.Errorf("record %d has %d components, want 1", n, len(rec.Components))
		}
		n++
	}
	if err := read.Finalize(); err != nil {
		t.Fatalf("read Finalize: %v", err)
	}
	if n != 5 {
		t.Errorf("streamed %d records, want 5", n)
	}
}
