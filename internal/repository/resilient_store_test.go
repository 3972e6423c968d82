package repository

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"

	"github.com/example/atc-api/internal/animal"
	"github.com/example/atc-api/internal/metrics"
)

type stubPrimary struct {
	records   map[string]*animal.Record
	err       error
	upserts   []upsertCall
	details   []*animal.Record
	pingCalls int
}

type upsertCall struct {
	rec      *animal.Record
	appended *animal.View
}

func newStubPrimary() *stubPrimary {
	return &stubPrimary{records: map[string]*animal.Record{}}
}

func (s *stubPrimary) Find(ctx context.Context, animalID string) (*animal.Record, error) {
	if s.err != nil {
		return nil, s.err
	}
	rec, ok := s.records[animalID]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *stubPrimary) Upsert(ctx context.Context, rec *animal.Record, appended *animal.View) error {
	s.upserts = append(s.upserts, upsertCall{rec: rec.Clone(), appended: appended})
	if s.err != nil {
		return s.err
	}
	stored := rec.Clone()
	if existing, ok := s.records[rec.AnimalID]; ok && appended != nil {
		stored.Views = append(existing.Clone().Views, *appended)
	}
	s.records[rec.AnimalID] = stored
	return nil
}

func (s *stubPrimary) UpdateDetails(ctx context.Context, rec *animal.Record) error {
	s.details = append(s.details, rec.Clone())
	if s.err != nil {
		return s.err
	}
	existing, ok := s.records[rec.AnimalID]
	if !ok {
		return ErrNotFound
	}
	updated := rec.Clone()
	updated.Views = existing.Views
	s.records[rec.AnimalID] = updated
	return nil
}

func (s *stubPrimary) Ping(ctx context.Context) error {
	s.pingCalls++
	return s.err
}

var testNow = time.Date(2026, 5, 4, 10, 30, 0, 0, time.UTC)

func f(v float64) *float64 { return &v }

func sideView(score float64) animal.View {
	return animal.View{
		Type:                animal.ViewSide,
		Filename:            "side_1.jpg",
		UploadedAt:          testNow,
		Score:               f(score),
		Verdict:             "VG",
		CalibrationDetected: true,
		ScaleFactor:         f(0.25),
	}
}

func newStore(t *testing.T, primary Primary) (*ResilientStore, *FileStore) {
	t.Helper()
	files := NewFileStore(t.TempDir())
	return NewResilientStore(primary, files, metrics.NewManager(), zap.NewNop()), files
}

func TestSaveThenLoadWithPrimaryUnavailable(t *testing.T) {
	primary := newStubPrimary()
	primary.err = ErrUnavailable
	store, _ := newStore(t, primary)
	ctx := context.Background()

	first := animal.Reconcile(nil, "cow-1", animal.Details{Breed: "Gir", Weight: 410}, sideView(8.4), testNow)
	if err := store.Save(ctx, first, first.Views[0], false); err != nil {
		t.Fatalf("save should degrade, got %v", err)
	}

	snap, err := store.Load(ctx, "cow-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if snap.Source != SourceFallback || !snap.Resync {
		t.Fatalf("expected fallback snapshot needing resync, got %+v", snap)
	}

	second := animal.Reconcile(snap.Record, "cow-1", animal.Details{Breed: "Gir", Weight: 415}, sideView(9.2), testNow)
	if err := store.Save(ctx, second, second.Views[1], snap.Resync); err != nil {
		t.Fatalf("second save: %v", err)
	}

	snap, err = store.Load(ctx, "cow-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if diff := cmp.Diff(second, snap.Record); diff != "" {
		t.Fatalf("loaded record differs from last save (-want +got):\n%s", diff)
	}
}

func TestSaveAppendsOnPrimaryAndWritesFullFile(t *testing.T) {
	primary := newStubPrimary()
	store, files := newStore(t, primary)
	ctx := context.Background()

	rec := animal.Reconcile(nil, "cow-2", animal.Details{Breed: "Sahiwal", Weight: 380}, sideView(7.5), testNow)
	if err := store.Save(ctx, rec, rec.Views[0], false); err != nil {
		t.Fatalf("save: %v", err)
	}
	rec = animal.Reconcile(rec, "cow-2", animal.Details{Breed: "Sahiwal", Weight: 380}, animal.View{Type: animal.ViewRear, UploadedAt: testNow}, testNow)
	if err := store.Save(ctx, rec, rec.Views[1], false); err != nil {
		t.Fatalf("save: %v", err)
	}

	last := primary.upserts[len(primary.upserts)-1]
	if last.appended == nil || last.appended.Type != animal.ViewRear {
		t.Fatalf("expected append of the rear view, got %+v", last.appended)
	}
	if got := len(primary.records["cow-2"].Views); got != 2 {
		t.Fatalf("expected 2 views in primary, got %d", got)
	}

	onDisk, err := files.Load("cow-2")
	if err != nil {
		t.Fatalf("file load: %v", err)
	}
	if len(onDisk.Views) != 2 || onDisk.Score != 7.5 {
		t.Fatalf("unexpected fallback content: %+v", onDisk)
	}

	snap, err := store.Load(ctx, "cow-2")
	if err != nil || snap.Source != SourcePrimary || snap.Resync {
		t.Fatalf("expected primary snapshot, got %+v err=%v", snap, err)
	}
}

func TestLoadPrefersFallbackWhenPrimaryIsBehind(t *testing.T) {
	primary := newStubPrimary()
	store, files := newStore(t, primary)

	rec := animal.Reconcile(nil, "cow-3", animal.Details{Breed: "Gir", Weight: 400}, sideView(6.1), testNow)
	primary.records["cow-3"] = rec.Clone()

	ahead := animal.Reconcile(rec, "cow-3", animal.Details{Breed: "Gir", Weight: 400}, sideView(8.8), testNow)
	if err := files.Write(ahead); err != nil {
		t.Fatalf("write: %v", err)
	}

	snap, err := store.Load(context.Background(), "cow-3")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if snap.Source != SourceFallback || !snap.Resync || len(snap.Record.Views) != 2 {
		t.Fatalf("expected fallback with 2 views, got %+v", snap)
	}
}

func TestResyncSaveReplacesPrimaryViews(t *testing.T) {
	primary := newStubPrimary()
	store, _ := newStore(t, primary)

	rec := animal.Reconcile(nil, "cow-4", animal.Details{Breed: "Gir", Weight: 400}, sideView(6.1), testNow)
	if err := store.Save(context.Background(), rec, rec.Views[0], true); err != nil {
		t.Fatalf("save: %v", err)
	}
	if primary.upserts[0].appended != nil {
		t.Fatal("resync save must not append")
	}
}

func TestLoadNotFoundAnywhere(t *testing.T) {
	for name, perr := range map[string]error{"missing": nil, "unavailable": ErrUnavailable} {
		t.Run(name, func(t *testing.T) {
			primary := newStubPrimary()
			primary.err = perr
			store, _ := newStore(t, primary)

			_, err := store.Load(context.Background(), "ghost")
			if !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestLoadTreatsCorruptFileAsMissing(t *testing.T) {
	primary := newStubPrimary()
	primary.err = ErrUnavailable
	store, files := newStore(t, primary)

	path := files.Path("cow-5")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := store.Load(context.Background(), "cow-5"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFinalizeUpdatesDetailsOnly(t *testing.T) {
	primary := newStubPrimary()
	store, files := newStore(t, primary)
	ctx := context.Background()

	rec := animal.Reconcile(nil, "cow-6", animal.Details{Breed: "Gir", Weight: 400}, sideView(9.3), testNow)
	if err := store.Save(ctx, rec, rec.Views[0], false); err != nil {
		t.Fatalf("save: %v", err)
	}

	farmer := "farmer-1"
	out, err := store.Finalize(ctx, "cow-6", func(r *animal.Record) {
		animal.ApplyDetails(r, animal.Details{Breed: "Tharparkar", Weight: 450, FarmerID: &farmer}, testNow.Add(time.Hour))
	})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if out.Breed != "Tharparkar" || out.FarmerID == nil || *out.FarmerID != farmer || len(out.Views) != 1 {
		t.Fatalf("unexpected finalized record: %+v", out)
	}
	if len(primary.details) != 1 {
		t.Fatalf("expected UpdateDetails on primary, got %d calls", len(primary.details))
	}

	onDisk, err := files.Load("cow-6")
	if err != nil {
		t.Fatalf("file load: %v", err)
	}
	if diff := cmp.Diff(out, onDisk); diff != "" {
		t.Fatalf("fallback differs from finalized record (-want +got):\n%s", diff)
	}
}

func TestFinalizeFromFallbackWhenPrimaryDown(t *testing.T) {
	primary := newStubPrimary()
	store, _ := newStore(t, primary)
	ctx := context.Background()

	rec := animal.Reconcile(nil, "cow-7", animal.Details{Breed: "Gir", Weight: 400}, sideView(7.7), testNow)
	if err := store.Save(ctx, rec, rec.Views[0], false); err != nil {
		t.Fatalf("save: %v", err)
	}

	primary.err = ErrUnavailable
	out, err := store.Finalize(ctx, "cow-7", func(r *animal.Record) { r.Weight = 999 })
	if err != nil {
		t.Fatalf("finalize should degrade, got %v", err)
	}
	if out.Weight != 999 || len(out.Views) != 1 {
		t.Fatalf("unexpected record %+v", out)
	}
	if _, err := store.Finalize(ctx, "ghost", func(*animal.Record) {}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveFailsWhenNothingPersisted(t *testing.T) {
	primary := newStubPrimary()
	primary.err = ErrUnavailable

	root := filepath.Join(t.TempDir(), "blocked")
	if err := os.WriteFile(root, []byte("file, not dir"), 0o644); err != nil {
		t.Fatal(err)
	}
	store := NewResilientStore(primary, NewFileStore(root), nil, zap.NewNop())

	rec := animal.Reconcile(nil, "cow-8", animal.Details{Breed: "Gir", Weight: 400}, sideView(5), testNow)
	if err := store.Save(context.Background(), rec, rec.Views[0], false); err == nil {
		t.Fatal("expected error when neither store accepted the record")
	}
}
