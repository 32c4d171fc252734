package dedup

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ferebee/beachcomb/internal/record"
)

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSignatureSmallFileMatchesIdenticalContent(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.bin", []byte("same content"))
	b := writeFile(t, dir, "b.bin", []byte("same content"))
	c := writeFile(t, dir, "c.bin", []byte("diff content"))

	sigA, err := Signature(a, 16)
	if err != nil {
		t.Fatal(err)
	}
	sigB, _ := Signature(b, 16)
	sigC, _ := Signature(c, 16)

	if sigA != sigB {
		t.Errorf("identical files: %q != %q", sigA, sigB)
	}
	if sigA == sigC {
		t.Errorf("different files share signature %q", sigA)
	}
}

func TestSignatureSeesOnlyHeadAndTail(t *testing.T) {
	dir := t.TempDir()
	// Same head and tail blocks, different middle: the cheap signature is
	// expected to collide. Apply must still keep both files.
	base := append([]byte("HEADHEADHEADHEAD"), make([]byte, 64)...)
	other := make([]byte, len(base))
	copy(other, base)
	other[32] = 0xFF
	base = append(base, []byte("TAILTAILTAILTAIL")...)
	other = append(other, []byte("TAILTAILTAILTAIL")...)

	a := writeFile(t, dir, "a.bin", base)
	b := writeFile(t, dir, "b.bin", other)

	sigA, _ := Signature(a, 16)
	sigB, _ := Signature(b, 16)
	if sigA != sigB {
		t.Fatalf("engineered collision failed: %q != %q", sigA, sigB)
	}
}

func recs(paths ...string) []*record.Record {
	var out []*record.Record
	for _, p := range paths {
		out = append(out, &record.Record{SourcePath: p, Sig: "shared"})
	}
	return out
}

func TestApplyMarksDuplicatesKeepingEarliest(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.bin", []byte("payload"))
	b := writeFile(t, dir, "b.bin", []byte("payload"))
	c := writeFile(t, dir, "c.bin", []byte("payload"))

	rs := recs(a, b, c)
	Apply(context.Background(), rs, Options{Workers: 4})

	if rs[0].DuplicateOf != "" {
		t.Errorf("keeper marked duplicate of %q", rs[0].DuplicateOf)
	}
	for i := 1; i < 3; i++ {
		if rs[i].DuplicateOf != a {
			t.Errorf("rs[%d].DuplicateOf = %q, want %q", i, rs[i].DuplicateOf, a)
		}
	}
	if rs[0].FullHash == "" || rs[0].FullHash != rs[1].FullHash {
		t.Error("collision group members missing matching full hashes")
	}
}

func TestApplySignatureCollisionDifferentContentNotMarked(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.bin", []byte("content one"))
	b := writeFile(t, dir, "b.bin", []byte("content two"))

	rs := recs(a, b) // same Sig by construction
	Apply(context.Background(), rs, Options{Workers: 2})

	if rs[0].DuplicateOf != "" || rs[1].DuplicateOf != "" {
		t.Error("false dedup across distinct content")
	}
	if rs[0].FullHash == rs[1].FullHash {
		t.Error("distinct content produced equal full hashes")
	}
}

func TestApplyKeeperStableAcrossDiscoveryPermutations(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.bin", []byte("dup"))
	b := writeFile(t, dir, "b.bin", []byte("dup"))

	// Whatever the on-disk names, the earliest-discovered member wins.
	rs := recs(b, a)
	Apply(context.Background(), rs, Options{Workers: 1})

	if rs[0].DuplicateOf != "" {
		t.Errorf("first-discovered record marked duplicate of %q", rs[0].DuplicateOf)
	}
	if rs[1].DuplicateOf != b {
		t.Errorf("rs[1].DuplicateOf = %q, want %q", rs[1].DuplicateOf, b)
	}
}

func TestApplyUniqueSignaturesSkipFullHash(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.bin", []byte("one"))
	b := writeFile(t, dir, "b.bin", []byte("two"))

	rs := []*record.Record{
		{SourcePath: a, Sig: "sig-a"},
		{SourcePath: b, Sig: "sig-b"},
	}
	Apply(context.Background(), rs, Options{Workers: 2})

	for i, r := range rs {
		if r.FullHash != "" {
			t.Errorf("rs[%d] got full hash %q without a collision", i, r.FullHash)
		}
		if r.DuplicateOf != "" {
			t.Errorf("rs[%d] marked duplicate", i)
		}
	}
}
