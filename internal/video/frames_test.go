package video

import (
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/watchedlabs/vframe/internal/pkg/logger"
	"github.com/watchedlabs/vframe/internal/types"
)

func testService(t *testing.T) *service {
	t.Helper()
	return &service{
		log:       logger.NewNop(),
		downscale: 0.5,
		solidStd:  5.0,
	}
}

func TestCollectCandidates_ParsesAndSortsByPts(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"100.png", "25.png", "7.png", "notes.txt", "x_1.png"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	got, err := collectCandidates(dir, 25.0)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 candidates, got %d", len(got))
	}
	if got[0].pts != 7 || got[1].pts != 25 || got[2].pts != 100 {
		t.Fatalf("wrong pts order: %v", got)
	}
	if got[1].second != 1.0 {
		t.Fatalf("second = pts/fps broken: got %f", got[1].second)
	}
}

func TestRenumber_ContiguousCanonicalNames(t *testing.T) {
	dir := t.TempDir()
	svc := testService(t)

	// Gappy indexes, as left behind by dedup.
	frames := []types.Frame{
		{Index: 1, Second: 0.5, Path: filepath.Join(dir, "1_0.50.png")},
		{Index: 4, Second: 2.0, Path: filepath.Join(dir, "4_2.00.png")},
		{Index: 7, Second: 3.25, Path: filepath.Join(dir, "7_3.25.png")},
	}
	for _, f := range frames {
		writePNG(t, f.Path, gradientImage(16, 16, f.Index))
	}

	out, err := svc.Renumber(frames)
	if err != nil {
		t.Fatalf("renumber: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(out))
	}
	wantNames := []string{"1_0.50.png", "2_2.00.png", "3_3.25.png"}
	for i, f := range out {
		if f.Index != i+1 {
			t.Fatalf("index %d not contiguous: %d", i, f.Index)
		}
		if filepath.Base(f.Path) != wantNames[i] {
			t.Fatalf("frame %d named %q, want %q", i, filepath.Base(f.Path), wantNames[i])
		}
		if _, err := os.Stat(f.Path); err != nil {
			t.Fatalf("renamed file missing: %v", err)
		}
	}
}

func TestGrayStdDev_SeparatesUniformFromTextured(t *testing.T) {
	uniform := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			uniform.Set(x, y, color.RGBA{R: 40, G: 40, B: 40, A: 255})
		}
	}
	if sd := grayStdDev(uniform, 0.5); sd >= 5.0 {
		t.Fatalf("uniform image stddev too high: %f", sd)
	}
	if sd := grayStdDev(gradientImage(64, 64, 1), 0.5); sd < 5.0 {
		t.Fatalf("textured image stddev too low: %f", sd)
	}
}

func TestTrimUniformBorders_RemovesLetterboxBars(t *testing.T) {
	// Gradient center with 16px black bars top and bottom.
	img := image.NewRGBA(image.Rect(0, 0, 96, 96))
	for y := 0; y < 96; y++ {
		for x := 0; x < 96; x++ {
			if y < 16 || y >= 80 {
				img.Set(x, y, color.RGBA{A: 255})
				continue
			}
			v := uint8((x*5 + y*11) % 256)
			img.Set(x, y, color.RGBA{R: v, G: 255 - v, B: v, A: 255})
		}
	}

	trimmed, changed := trimUniformBorders(img, 1.0, 5.0)
	if !changed {
		t.Fatalf("expected a trim")
	}
	if trimmed.Bounds().Dy() >= 96 {
		t.Fatalf("height not reduced: %d", trimmed.Bounds().Dy())
	}
	if trimmed.Bounds().Dx() != 96 {
		t.Fatalf("width should be untouched: %d", trimmed.Bounds().Dx())
	}
}

func TestTrimUniformBorders_LeavesBorderlessImagesAlone(t *testing.T) {
	img := gradientImage(96, 96, 2)
	_, changed := trimUniformBorders(img, 1.0, 5.0)
	if changed {
		t.Fatalf("gradient image should not be trimmed")
	}
}
