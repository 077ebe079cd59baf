package main

import (
	"encoding/json"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/hearthframe/voxrt/internal/pose"
	"github.com/spf13/cobra"
)

func newPoseCmd() *cobra.Command {
	var imgPath string

	cmd := &cobra.Command{
		Use:   "pose",
		Short: "Detect people and keypoints in a JPEG or PNG frame",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}
			if imgPath == "" {
				return fmt.Errorf("--image is required")
			}

			f, err := os.Open(imgPath)
			if err != nil {
				return fmt.Errorf("open %s: %w", imgPath, err)
			}
			defer f.Close()

			img, _, err := image.Decode(f)
			if err != nil {
				return fmt.Errorf("decode %s: %w", imgPath, err)
			}

			rgb, width, height := imageToRGB(img)

			runnerCfg, err := resolveRunnerConfig(cfg)
			if err != nil {
				return err
			}

			detector, err := pose.LoadModel(cfg.Paths.PoseManifest, runnerCfg, cfg.Pose)
			if err != nil {
				return fmt.Errorf("load pose model: %w", err)
			}
			defer detector.Close()

			detections, err := detector.Detect(cmd.Context(), rgb, width, height)
			if err != nil {
				return fmt.Errorf("detect: %w", err)
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(detections)
		},
	}

	cmd.Flags().StringVar(&imgPath, "image", "", "Path to a JPEG or PNG frame")

	return cmd
}

// imageToRGB converts a decoded image to a [height][width][3] float32 grid
// with channel values normalized to [0, 1].
func imageToRGB(img image.Image) (rgb [][][]float32, width, height int) {
	bounds := img.Bounds()
	width, height = bounds.Dx(), bounds.Dy()

	rgb = make([][][]float32, height)
	for y := 0; y < height; y++ {
		row := make([][]float32, width)
		for x := 0; x < width; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			row[x] = []float32{
				float32(r) / 65535,
				float32(g) / 65535,
				float32(b) / 65535,
			}
		}
		rgb[y] = row
	}

	return rgb, width, height
}
