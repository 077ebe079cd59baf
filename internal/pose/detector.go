// Package pose runs a single-shot keypoint detector (a YOLO-style pose
// head) over letterboxed RGB frames: letterbox resize, forward pass through
// the ONNX graph, sigmoid confidence filtering, class-agnostic NMS, and rescale of boxes
// and keypoints back to the original frame coordinates.
package pose

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/cwbudde/algo-vecmath/vecmath"

	"github.com/hearthframe/voxrt/internal/config"
	"github.com/hearthframe/voxrt/internal/onnx"
)

// Keypoint is one named joint location with detector confidence.
type Keypoint struct {
	X, Y  float32
	Score float32
}

// Detection is a single detected person: a bounding box plus skeleton
// keypoints, both in original-frame pixel coordinates.
type Detection struct {
	X1, Y1, X2, Y2 float32
	Score          float32
	Keypoints      []Keypoint
}

// Detector wraps the "pose" ONNX graph plus pre/post-processing.
type Detector struct {
	engine *onnx.Engine
	cfg    config.PoseConfig
}

// LoadModel loads a pose manifest (a single "pose" graph taking an
// [1,3,S,S] RGB tensor and producing [1,N,5+3*K] raw detections: box,
// objectness/score, then K keypoints of (x,y,score)).
func LoadModel(manifestPath string, runnerCfg onnx.RunnerConfig, cfg config.PoseConfig) (*Detector, error) {
	engine, err := onnx.NewEngine(manifestPath, runnerCfg)
	if err != nil {
		return nil, fmt.Errorf("pose: load manifest: %w", err)
	}

	if _, ok := engine.Runner("pose"); !ok {
		engine.Close()
		return nil, fmt.Errorf("pose: manifest missing required graph %q", "pose")
	}

	if cfg.InputSize <= 0 {
		cfg.InputSize = 640
	}

	return &Detector{engine: engine, cfg: cfg}, nil
}

// Close releases the underlying ONNX graph.
func (d *Detector) Close() {
	if d.engine != nil {
		d.engine.Close()
	}
}

// letterboxInfo holds the resize+pad parameters needed to map model-space
// coordinates back to the original frame.
type letterboxInfo struct {
	scale      float32
	padX, padY float32
}

// Detect runs the full pipeline over one RGB frame (planar float32,
// [3][height][width], values in [0,1]) and returns detections rescaled to
// the original frame size.
func (d *Detector) Detect(ctx context.Context, rgb [][][]float32, width, height int) ([]Detection, error) {
	runner, ok := d.engine.Runner("pose")
	if !ok {
		return nil, fmt.Errorf("pose: graph %q not found", "pose")
	}

	size := d.cfg.InputSize

	input, lb := letterbox(rgb, width, height, size)

	inputTensor, err := onnx.NewTensor(input, []int64{1, 3, int64(size), int64(size)})
	if err != nil {
		return nil, fmt.Errorf("pose: build input tensor: %w", err)
	}

	outputs, err := runner.Run(ctx, map[string]*onnx.Tensor{"images": inputTensor})
	if err != nil {
		return nil, fmt.Errorf("pose: run: %w", err)
	}

	raw, ok := outputs["output"]
	if !ok {
		return nil, fmt.Errorf("pose: missing output 'output'")
	}

	rawData, err := onnx.ExtractFloat32(raw)
	if err != nil {
		return nil, fmt.Errorf("pose: extract output: %w", err)
	}

	shape := raw.Shape()
	if len(shape) != 3 {
		return nil, fmt.Errorf("pose: expected rank-3 output, got shape %v", shape)
	}

	numDet := int(shape[1])
	stride := int(shape[2])

	candidates := decodeCandidates(rawData, numDet, stride, d.cfg.ConfThreshold)
	kept := nonMaxSuppress(candidates, d.cfg.IOUThreshold)

	maxDet := d.cfg.MaxDetections
	if maxDet > 0 && len(kept) > maxDet {
		kept = kept[:maxDet]
	}

	out := make([]Detection, len(kept))
	for i, c := range kept {
		out[i] = rescaleDetection(c, lb)
	}

	return out, nil
}

type candidate struct {
	x1, y1, x2, y2, score float32
	kpts                  []Keypoint
}

func decodeCandidates(data []float32, numDet, stride int, confThreshold float64) []candidate {
	out := make([]candidate, 0, numDet)

	for i := 0; i < numDet; i++ {
		row := data[i*stride : (i+1)*stride]
		if len(row) < 5 {
			continue
		}

		score := float32(1 / (1 + math.Exp(-float64(row[4]))))
		if float64(score) < confThreshold {
			continue
		}

		cx, cy, w, h := row[0], row[1], row[2], row[3]

		numKpts := (stride - 5) / 3
		kpts := make([]Keypoint, numKpts)

		for k := 0; k < numKpts; k++ {
			base := 5 + k*3
			kpts[k] = Keypoint{X: row[base], Y: row[base+1], Score: row[base+2]}
		}

		out = append(out, candidate{
			x1:    cx - w/2,
			y1:    cy - h/2,
			x2:    cx + w/2,
			y2:    cy + h/2,
			score: score,
			kpts:  kpts,
		})
	}

	return out
}

// nonMaxSuppress greedily keeps the highest-scoring box and discards any
// remaining box whose IoU with an already-kept box exceeds the threshold,
// using vecmath for the area/overlap arithmetic. The sort is stable, so
// boxes with equal scores keep their input order.
func nonMaxSuppress(cands []candidate, iouThreshold float64) []candidate {
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].score > cands[j].score })

	kept := make([]candidate, 0, len(cands))

	for _, c := range cands {
		overlaps := false

		for _, k := range kept {
			if vecmath.IoU(
				vecmath.Rect{X1: c.x1, Y1: c.y1, X2: c.x2, Y2: c.y2},
				vecmath.Rect{X1: k.x1, Y1: k.y1, X2: k.x2, Y2: k.y2},
			) > float32(iouThreshold) {
				overlaps = true
				break
			}
		}

		if !overlaps {
			kept = append(kept, c)
		}
	}

	return kept
}

func rescaleDetection(c candidate, lb letterboxInfo) Detection {
	unpad := func(x, y float32) (float32, float32) {
		return (x - lb.padX) / lb.scale, (y - lb.padY) / lb.scale
	}

	x1, y1 := unpad(c.x1, c.y1)
	x2, y2 := unpad(c.x2, c.y2)

	kpts := make([]Keypoint, len(c.kpts))
	for i, k := range c.kpts {
		kx, ky := unpad(k.X, k.Y)
		kpts[i] = Keypoint{X: kx, Y: ky, Score: k.Score}
	}

	return Detection{X1: x1, Y1: y1, X2: x2, Y2: y2, Score: c.score, Keypoints: kpts}
}

// letterbox resizes rgb (planar [3][h][w]) to size×size, preserving aspect
// ratio and padding with gray (0.5), returning the flattened NCHW tensor
// data plus the scale/pad needed to invert the transform.
func letterbox(rgb [][][]float32, width, height, size int) ([]float32, letterboxInfo) {
	scale := float32(size) / float32(max(width, height))
	newW := int(float32(width) * scale)
	newH := int(float32(height) * scale)
	padX := float32(size-newW) / 2
	padY := float32(size-newH) / 2

	out := make([]float32, 3*size*size)
	for c := 0; c < 3; c++ {
		plane := out[c*size*size : (c+1)*size*size]
		for i := range plane {
			plane[i] = 0.5
		}
	}

	for c := 0; c < 3 && c < len(rgb); c++ {
		srcPlane := rgb[c]
		dstPlane := out[c*size*size : (c+1)*size*size]

		for dy := 0; dy < newH; dy++ {
			sy := int(float32(dy) / scale)
			if sy >= height {
				sy = height - 1
			}

			for dx := 0; dx < newW; dx++ {
				sx := int(float32(dx) / scale)
				if sx >= width {
					sx = width - 1
				}

				py := dy + int(padY)
				px := dx + int(padX)
				if py < 0 || py >= size || px < 0 || px >= size {
					continue
				}

				dstPlane[py*size+px] = srcPlane[sy][sx]
			}
		}
	}

	return out, letterboxInfo{scale: scale, padX: padX, padY: padY}
}
