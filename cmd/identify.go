package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/facegate/internal/detect"
	"github.com/andresmejia3/facegate/internal/pipeline"
	"github.com/andresmejia3/facegate/internal/store"
	"github.com/andresmejia3/facegate/internal/utils"
)

var identifyOpts Options

var identifyCmd = &cobra.Command{
	Use:   "identify <image_path>",
	Short: "Match the face in a still image against enrolled identities",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runIdentify(cmd.Context(), args[0], identifyOpts)
	},
}

func init() {
	identifyCmd.Flags().Float64VarP(&identifyOpts.MatchThreshold, "threshold", "t", 0, "Minimum cosine similarity for a match (default from MATCH_THRESHOLD)")
	rootCmd.AddCommand(identifyCmd)
}

type identifyResult struct {
	Faces   int
	Best    store.Match
	Matched bool
}

// identifyImage embeds the largest face in a JPEG image and looks it up. A best match below
// the threshold is still reported with Matched unset.
func identifyImage(ctx context.Context, d detect.Detector, x detect.Extractor, a detect.Aligner, m pipeline.Matcher, data []byte, threshold float64) (identifyResult, error) {
	faces, err := d.Detect(ctx, data)
	if err != nil {
		return identifyResult{}, err
	}
	face, err := detect.Primary(faces)
	if err != nil {
		return identifyResult{}, err
	}

	img, err := detect.DecodeFrame(data)
	if err != nil {
		return identifyResult{}, err
	}
	crop, err := a.Crop(img, face)
	if err != nil {
		return identifyResult{}, err
	}
	jpg, err := detect.EncodeJPEG(crop)
	if err != nil {
		return identifyResult{}, err
	}
	emb, err := x.Extract(ctx, jpg)
	if err != nil {
		return identifyResult{}, err
	}

	res := identifyResult{Faces: len(faces)}
	best, ok := m.Match(emb)
	if !ok {
		return res, nil
	}
	res.Best = best
	res.Matched = best.Score >= threshold
	return res, nil
}

func runIdentify(ctx context.Context, imagePath string, opts Options) error {
	if opts.MatchThreshold < 0 || opts.MatchThreshold > 1 {
		err := fmt.Errorf("match threshold must be between 0.0 and 1.0, got %f", opts.MatchThreshold)
		utils.ShowError("Invalid flags", err, nil)
		return err
	}
	threshold := Cfg.Pipeline.MatchThreshold
	if opts.MatchThreshold > 0 {
		threshold = opts.MatchThreshold
	}

	data, err := os.ReadFile(imagePath)
	if err != nil {
		utils.ShowError("Failed to read image file", err, nil)
		return err
	}

	engine, err := startEngine(ctx)
	if err != nil {
		utils.ShowError("Failed to start AI engine", err, nil)
		return err
	}
	defer engine.Close()

	fmt.Fprintln(os.Stderr, "🔍 Analyzing face...")
	res, err := identifyImage(ctx, engine, engine, Cfg.Aligner(), Store, data, threshold)
	switch {
	case errors.Is(err, detect.ErrNoFace):
		fmt.Println("❌ No faces detected in the provided image.")
		return nil
	case errors.Is(err, detect.ErrExtractionFailed):
		fmt.Printf("❌ Face found but unusable: %v\n", err)
		return nil
	case err != nil:
		utils.ShowError("AI processing failed", err, engine.Cmd)
		return err
	}

	if res.Faces > 1 {
		fmt.Printf("⚠️  Multiple faces detected (%d). Using the largest face.\n", res.Faces)
	}
	if Store.Len() == 0 {
		fmt.Println("❌ No identities enrolled yet.")
		return nil
	}
	if !res.Matched {
		fmt.Printf("❌ No match found (best similarity %.2f).\n", res.Best.Score)
		return nil
	}
	fmt.Printf("✅ Found Match: %s (ID: %d, similarity %.2f)\n", res.Best.Record.Name, res.Best.Record.ID, res.Best.Score)
	return nil
}
