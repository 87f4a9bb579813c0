package hashcopy

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestCopyToTempFusesHashAndCopy(t *testing.T) {
	srcDir := t.TempDir()
	destDir := t.TempDir()

	content := []byte("hello, archive")
	srcPath := filepath.Join(srcDir, "a.txt")
	if err := os.WriteFile(srcPath, content, 0o640); err != nil {
		t.Fatal(err)
	}
	mtime := time.Now().Add(-time.Hour).Truncate(time.Second)
	if err := os.Chtimes(srcPath, mtime, mtime); err != nil {
		t.Fatal(err)
	}

	res, err := CopyToTemp(srcPath, destDir, "42")
	if err != nil {
		t.Fatalf("CopyToTemp: %v", err)
	}

	want := sha256.Sum256(content)
	if res.BlobID != hex.EncodeToString(want[:]) {
		t.Errorf("BlobID = %s, want %x", res.BlobID, want)
	}
	if res.Size != int64(len(content)) {
		t.Errorf("Size = %d, want %d", res.Size, len(content))
	}

	got, err := os.ReadFile(res.TempPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(content) {
		t.Errorf("temp file content = %q, want %q", got, content)
	}

	info, err := os.Stat(res.TempPath)
	if err != nil {
		t.Fatal(err)
	}
	if !info.ModTime().Equal(mtime) {
		t.Errorf("temp file mtime = %v, want %v", info.ModTime(), mtime)
	}
}

func TestCopyToTempLeavesNoTempFileOnSourceMissing(t *testing.T) {
	destDir := t.TempDir()
	_, err := CopyToTemp(filepath.Join(destDir, "does-not-exist"), destDir, "1")
	if err == nil {
		t.Fatal("expected error for missing source")
	}

	entries, err := os.ReadDir(destDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no leftover temp files, found %v", entries)
	}
}

func TestHashMatchesCopyToTemp(t *testing.T) {
	srcDir := t.TempDir()
	destDir := t.TempDir()
	content := make([]byte, 5*1<<20) // exercise multi-buffer read path
	for i := range content {
		content[i] = byte(i)
	}
	srcPath := filepath.Join(srcDir, "big.bin")
	if err := os.WriteFile(srcPath, content, 0o640); err != nil {
		t.Fatal(err)
	}

	res, err := CopyToTemp(srcPath, destDir, "7")
	if err != nil {
		t.Fatal(err)
	}

	hashOfCopy, err := Hash(res.TempPath)
	if err != nil {
		t.Fatal(err)
	}
	hashOfSource, err := Hash(srcPath)
	if err != nil {
		t.Fatal(err)
	}
	if hashOfCopy != hashOfSource || hashOfCopy != res.BlobID {
		t.Errorf("hash mismatch: copy=%s source=%s result=%s", hashOfCopy, hashOfSource, res.BlobID)
	}
}

func TestEmptyDigestConstant(t *testing.T) {
	sum := sha256.Sum256(nil)
	if hex.EncodeToString(sum[:]) != EmptyDigest {
		t.Errorf("EmptyDigest constant is wrong: got %x", sum)
	}
}

func TestTempDirSelectsBySize(t *testing.T) {
	if got := TempDir(1024, "/ram", "/nvme"); got != "/ram" {
		t.Errorf("small file should use ramdisk, got %s", got)
	}
	if got := TempDir(LargeFileThreshold, "/ram", "/nvme"); got != "/nvme" {
		t.Errorf("large file should use nvme, got %s", got)
	}
}

func TestByHashPathSharding(t *testing.T) {
	got, err := ByHashPath("/archive/by-hash", "abcd1234")
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join("/archive/by-hash", "ab", "cd", "abcd1234")
	if got != want {
		t.Errorf("ByHashPath() = %s, want %s", got, want)
	}
}
