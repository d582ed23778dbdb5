package sandbox

import (
	"testing"
)

func TestAlignImageSizeRoundsUpToAlignment(t *testing.T) {
	got := alignImageSize(imageAlignBytes+1, 0)
	want := int64(2 * imageAlignBytes)
	if got != want {
		t.Fatalf("alignImageSize(%d) = %d, want %d", imageAlignBytes+1, got, want)
	}
}

func TestAlignImageSizeEnforcesMinimum(t *testing.T) {
	got := alignImageSize(1024, minimumImageSizeBytes)
	if got < minimumImageSizeBytes {
		t.Fatalf("alignImageSize did not enforce minimum: got %d, want >= %d", got, minimumImageSizeBytes)
	}
}

func TestAlignImageSizeLeavesExactMultipleUnchanged(t *testing.T) {
	got := alignImageSize(imageAlignBytes, 0)
	if got != imageAlignBytes {
		t.Fatalf("alignImageSize(%d) = %d, want unchanged", imageAlignBytes, got)
	}
}

func TestDirSizeSumsNestedFiles(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir+"/a.txt", "hello")
	writeTestFile(t, dir+"/nested/b.txt", "world!")

	got, err := dirSize(dir)
	if err != nil {
		t.Fatalf("dirSize: %v", err)
	}
	if got != int64(len("hello")+len("world!")) {
		t.Fatalf("dirSize = %d, want %d", got, len("hello")+len("world!"))
	}
}
