package lsm

import "testing"

func TestManifestLoadMissingReturnsNil(t *testing.T) {
	dir := t.TempDir()
	m := NewManifest(dir)
	refs, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if refs != nil {
		t.Fatalf("expected nil refs for missing manifest, got %v", refs)
	}
}

func TestManifestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := NewManifest(dir)
	want := []tableRef{
		{Level: 0, File: "000001.sst"},
		{Level: 0, File: "000002.sst"},
		{Level: 1, File: "000000.sst"},
	}
	if err := m.Save(want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("Load returned %d refs, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ref[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestManifestSaveOverwritesPrevious(t *testing.T) {
	dir := t.TempDir()
	m := NewManifest(dir)
	if err := m.Save([]tableRef{{Level: 0, File: "a.sst"}}); err != nil {
		t.Fatalf("first Save: %v", err)
	}
	if err := m.Save([]tableRef{{Level: 1, File: "b.sst"}}); err != nil {
		t.Fatalf("second Save: %v", err)
	}
	got, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 1 || got[0].File != "b.sst" {
		t.Fatalf("Load after overwrite = %+v, want single b.sst ref", got)
	}
}

func TestManifestWatermarkRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := NewManifest(dir)
	refs := []tableRef{{Level: 0, File: "a.sst"}}
	if err := m.saveWithWatermark(refs, 4096); err != nil {
		t.Fatalf("saveWithWatermark: %v", err)
	}
	got, watermark, err := m.loadWithWatermark()
	if err != nil {
		t.Fatalf("loadWithWatermark: %v", err)
	}
	if watermark != 4096 {
		t.Fatalf("watermark = %d, want 4096", watermark)
	}
	if len(got) != 1 || got[0] != refs[0] {
		t.Fatalf("refs = %+v, want %+v", got, refs)
	}
}

func TestManifestSaveEmpty(t *testing.T) {
	dir := t.TempDir()
	m := NewManifest(dir)
	if err := m.Save(nil); err != nil {
		t.Fatalf("Save empty: %v", err)
	}
	got, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty refs, got %v", got)
	}
}
