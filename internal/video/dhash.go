package video

import (
	"encoding/hex"
	"image"
	"os"

	"golang.org/x/image/draw"

	"github.com/watchedlabs/vframe/internal/pkg/logger"
	"github.com/watchedlabs/vframe/internal/types"
)

// DHash computes the difference hash of an image: grayscale, resize to
// (size+1, size), then one bit per horizontal neighbor pair. The bitmap is
// returned hex-encoded so any size packs cleanly.
func DHash(img image.Image, size int) string {
	g := image.NewGray(image.Rect(0, 0, size+1, size))
	draw.ApproxBiLinear.Scale(g, g.Bounds(), img, img.Bounds(), draw.Src, nil)

	bits := make([]byte, (size*size+7)/8)
	bit := 0
	for y := 0; y < size; y++ {
		row := g.Pix[y*g.Stride : y*g.Stride+size+1]
		for x := 0; x < size; x++ {
			if row[x+1] > row[x] {
				bits[bit/8] |= 1 << uint(7-bit%8)
			}
			bit++
		}
	}
	return hex.EncodeToString(bits)
}

// DHashFile hashes the image stored at path.
func DHashFile(path string, size int) (string, error) {
	img, err := loadImage(path)
	if err != nil {
		return "", err
	}
	return DHash(img, size), nil
}

// Dedupe drops perceptual duplicates, keeping the first occurrence of each
// hash in chronological order. Unreadable frames are kept (conservative).
// When deleteDupes is true, duplicate files are unlinked.
func Dedupe(log *logger.Logger, frames []types.Frame, hashSize int, deleteDupes bool) []types.Frame {
	seen := make(map[string]bool, len(frames))
	kept := make([]types.Frame, 0, len(frames))

	for _, f := range frames {
		hash, err := DHashFile(f.Path, hashSize)
		if err != nil {
			log.Warn("frame unreadable during dedup, keeping", "path", f.Path, "error", err)
			kept = append(kept, f)
			continue
		}
		if seen[hash] {
			log.Debug("duplicate frame dropped", "path", f.Path, "hash", hash)
			if deleteDupes {
				_ = os.Remove(f.Path)
			}
			continue
		}
		seen[hash] = true
		kept = append(kept, f)
	}
	return kept
}
