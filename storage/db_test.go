package storage

import (
	"errors"
	"path/filepath"
	"testing"
)

func exerciseDatabase(t *testing.T, db Database) {
	t.Helper()
	if _, err := db.Get([]byte("missing")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	ok, err := db.Has([]byte("missing"))
	if err != nil || ok {
		t.Fatalf("expected missing key, ok=%v err=%v", ok, err)
	}
	if err := db.Put([]byte("k"), []byte("v1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := db.Put([]byte("k"), []byte("v2")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	value, err := db.Get([]byte("k"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(value) != "v2" {
		t.Fatalf("unexpected value %q", value)
	}
	ok, err = db.Has([]byte("k"))
	if err != nil || !ok {
		t.Fatalf("expected key present, ok=%v err=%v", ok, err)
	}

	batch := db.NewBatch()
	batch.Put([]byte("a"), []byte("1"))
	batch.Put([]byte("b"), []byte("2"))
	if batch.Len() != 2 {
		t.Fatalf("expected 2 buffered writes, got %d", batch.Len())
	}
	if ok, _ := db.Has([]byte("a")); ok {
		t.Fatalf("batch applied before Write")
	}
	if err := batch.Write(); err != nil {
		t.Fatalf("batch write: %v", err)
	}
	for key, want := range map[string]string{"a": "1", "b": "2"} {
		value, err := db.Get([]byte(key))
		if err != nil || string(value) != want {
			t.Fatalf("batched key %s = %q, %v", key, value, err)
		}
	}

	removal := db.NewBatch()
	removal.Delete([]byte("a"))
	removal.Put([]byte("empty"), nil)
	if err := removal.Write(); err != nil {
		t.Fatalf("delete batch: %v", err)
	}
	if _, err := db.Get([]byte("a")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected deleted key to be gone, got %v", err)
	}
	if ok, _ := db.Has([]byte("empty")); !ok {
		t.Fatalf("empty value should still be stored")
	}
}

func TestMemDB(t *testing.T) {
	db := NewMemDB()
	defer db.Close()
	exerciseDatabase(t, db)
}

func TestMemDBCopiesValues(t *testing.T) {
	db := NewMemDB()
	buf := []byte("abc")
	if err := db.Put([]byte("k"), buf); err != nil {
		t.Fatalf("put: %v", err)
	}
	buf[0] = 'z'
	value, _ := db.Get([]byte("k"))
	if string(value) != "abc" {
		t.Fatalf("stored value aliased caller buffer: %q", value)
	}
}

func TestLevelDB(t *testing.T) {
	db, err := NewLevelDB(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("open leveldb: %v", err)
	}
	defer db.Close()
	exerciseDatabase(t, db)
}
