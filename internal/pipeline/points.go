package pipeline

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/watchedlabs/vframe/internal/platform/objectstore"
	"github.com/watchedlabs/vframe/internal/platform/qdrant"
	"github.com/watchedlabs/vframe/internal/types"
)

// pointNamespace fixes the UUIDv5 derivation so point ids stay stable across
// runs and deployments.
var pointNamespace = uuid.MustParse("9e2d6c1a-4b7f-4f3e-8c5d-2a1b0e9f7d63")

// PointID derives the deterministic vector id for one frame. The name string
// covers all four coordinates, so re-running the pipeline upserts the same
// ids.
func PointID(platform, code string, frame types.Frame) string {
	name := fmt.Sprintf("%s:%s:%d:%s", platform, code, frame.Index, types.FormatSecond(frame.Second))
	return uuid.NewSHA1(pointNamespace, []byte(name)).String()
}

// BuildPoints pairs frames with their embeddings into upsert-ready points.
// len(frames) must equal len(vectors). extra keys are copied into every
// payload; they cannot shadow the canonical fields.
func BuildPoints(item types.WorkItem, frames []types.Frame, vectors [][]float32, extra map[string]any, now time.Time) ([]qdrant.Point, error) {
	if len(frames) != len(vectors) {
		return nil, fmt.Errorf("frames/vectors length mismatch: %d vs %d", len(frames), len(vectors))
	}

	createdAt := now.UTC().Format(time.RFC3339)
	points := make([]qdrant.Point, len(frames))
	for i, frame := range frames {
		id := PointID(item.Platform, item.Code, frame)
		payload := make(map[string]any, len(extra)+7)
		for k, v := range extra {
			payload[k] = v
		}
		payload["uuid"] = id
		payload["created_at"] = createdAt
		payload["platform"] = item.Platform
		payload["video_code"] = item.Code
		payload["frame_number"] = frame.Index
		payload["frame_second"] = frame.Second
		payload["path"] = objectstore.FrameKey(item.Platform, item.Code, frame)

		points[i] = qdrant.Point{
			ID:      id,
			Vector:  vectors[i],
			Payload: payload,
		}
	}
	return points, nil
}
