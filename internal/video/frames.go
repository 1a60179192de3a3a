package video

import (
	"context"
	"fmt"
	"image"
	"image/png"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/watchedlabs/vframe/internal/types"
)

var ptsFileRe = regexp.MustCompile(`^(\d+)\.png$`)

type candidate struct {
	pts    int
	second float64
	path   string
}

func (s *service) ExtractFrames(ctx context.Context, videoPath, outDir string) ([]types.Frame, error) {
	info, err := s.Probe(ctx, videoPath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", outDir, err)
	}

	sceneDir := filepath.Join(outDir, "scene")
	if err := os.MkdirAll(sceneDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", sceneDir, err)
	}

	filter := fmt.Sprintf("select='gt(scene\\,%0.3f)'", s.sceneThresh)
	if err := s.runSelectPass(ctx, videoPath, sceneDir, filter); err != nil {
		return nil, err
	}

	candidates, err := collectCandidates(sceneDir, info.FPS)
	if err != nil {
		return nil, err
	}
	kept := s.filterCandidates(candidates)

	// Minimum-frames floor: sample the whole video at equal frame intervals
	// and top up with non-uniform frames the scene pass missed.
	if len(kept) < s.minFrames && info.FrameCount > 0 {
		extra, err := s.sampleFloorFrames(ctx, videoPath, outDir, info, kept)
		if err != nil {
			s.log.Warn("minimum-frames sampling failed", "video", videoPath, "error", err)
		} else {
			kept = append(kept, extra...)
		}
	}

	sort.Slice(kept, func(i, j int) bool { return kept[i].second < kept[j].second })

	frames := make([]types.Frame, 0, len(kept))
	for i, c := range kept {
		frames = append(frames, types.Frame{
			Index:  i + 1,
			Second: c.second,
			Path:   c.path,
		})
	}
	return s.Renumber(frames)
}

// runSelectPass extracts frames matching a select filter, named by their
// integer presentation timestamp.
func (s *service) runSelectPass(ctx context.Context, videoPath, outDir, filter string) error {
	ctx, cancel := context.WithTimeout(ctx, s.watchdog)
	defer cancel()

	cmd := exec.CommandContext(ctx, s.ffmpegPath,
		"-hide_banner",
		"-i", videoPath,
		"-vf", filter,
		"-vsync", "vfr",
		"-frame_pts", "1",
		filepath.Join(outDir, "%d.png"),
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg frame extraction failed: %w; out=%s", err, tail(string(out), 512))
	}
	return nil
}

func collectCandidates(dir string, fps float64) ([]candidate, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}
	var out []candidate
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := ptsFileRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		pts, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		out = append(out, candidate{
			pts:    pts,
			second: float64(pts) / fps,
			path:   filepath.Join(dir, e.Name()),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].pts < out[j].pts })
	return out, nil
}

// filterCandidates drops uniform-color frames and trims residual borders,
// rewriting trimmed frames in place. Unreadable frames are kept untouched.
func (s *service) filterCandidates(candidates []candidate) []candidate {
	kept := make([]candidate, 0, len(candidates))
	for _, c := range candidates {
		img, err := loadImage(c.path)
		if err != nil {
			s.log.Warn("frame unreadable, keeping as-is", "path", c.path, "error", err)
			kept = append(kept, c)
			continue
		}

		if grayStdDev(img, s.downscale) < s.solidStd {
			_ = os.Remove(c.path)
			continue
		}

		if trimmed, changed := trimUniformBorders(img, s.downscale, s.solidStd); changed {
			if err := savePNG(c.path, trimmed); err != nil {
				s.log.Warn("border trim rewrite failed", "path", c.path, "error", err)
			}
		}
		kept = append(kept, c)
	}
	return kept
}

// sampleFloorFrames decodes the video at equal frame intervals to top up
// below-floor extractions. Frames whose pts the scene pass already produced
// are skipped.
func (s *service) sampleFloorFrames(ctx context.Context, videoPath, outDir string, info ProbeInfo, existing []candidate) ([]candidate, error) {
	step := info.FrameCount / (s.minFrames + 1)
	if step <= 0 {
		step = 1
	}

	floorDir := filepath.Join(outDir, "floor")
	if err := os.MkdirAll(floorDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", floorDir, err)
	}

	filter := fmt.Sprintf("select='not(mod(n\\,%d))'", step)
	if err := s.runSelectPass(ctx, videoPath, floorDir, filter); err != nil {
		return nil, err
	}

	sampled, err := collectCandidates(floorDir, info.FPS)
	if err != nil {
		return nil, err
	}

	seen := make(map[int]bool, len(existing))
	for _, c := range existing {
		seen[c.pts] = true
	}

	need := s.minFrames - len(existing)
	var extra []candidate
	for _, c := range sampled {
		if need <= 0 {
			break
		}
		if seen[c.pts] {
			_ = os.Remove(c.path)
			continue
		}
		img, err := loadImage(c.path)
		if err != nil || grayStdDev(img, s.downscale) < s.solidStd {
			_ = os.Remove(c.path)
			continue
		}
		seen[c.pts] = true
		extra = append(extra, c)
		need--
	}
	return extra, nil
}

// Renumber reassigns contiguous indexes from 1 and renames the files to the
// canonical {index}_{second}.png. A two-phase rename avoids collisions with
// existing canonical names.
func (s *service) Renumber(frames []types.Frame) ([]types.Frame, error) {
	staged := make([]string, len(frames))
	for i, f := range frames {
		tmp := f.Path + ".renum"
		if err := os.Rename(f.Path, tmp); err != nil {
			return nil, fmt.Errorf("stage rename %s: %w", f.Path, err)
		}
		staged[i] = tmp
	}

	out := make([]types.Frame, len(frames))
	for i, f := range frames {
		index := i + 1
		dst := filepath.Join(filepath.Dir(f.Path), fmt.Sprintf("%d_%s.png", index, types.FormatSecond(f.Second)))
		if err := os.Rename(staged[i], dst); err != nil {
			return nil, fmt.Errorf("final rename %s: %w", dst, err)
		}
		out[i] = types.Frame{Index: index, Second: f.Second, Path: dst}
	}
	return out, nil
}

func loadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, err
	}
	return img, nil
}

func savePNG(path string, img image.Image) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
