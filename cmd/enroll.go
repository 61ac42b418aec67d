package cmd

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/kozaktomas/checkpoint/internal/capture"
	"github.com/kozaktomas/checkpoint/internal/config"
	"github.com/kozaktomas/checkpoint/internal/constants"
	"github.com/kozaktomas/checkpoint/internal/face"
	"github.com/kozaktomas/checkpoint/internal/reference"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	_ "golang.org/x/image/bmp"
)

var enrollCmd = &cobra.Command{
	Use:   "enroll <directory>",
	Short: "Build a references file from a directory of photos",
	Long: `Compute a face embedding for every photo in a directory and write them
as a references file for REFERENCES_SOURCE=file.

Photos inside a subdirectory are enrolled under the subdirectory name. Photos
directly in the directory are enrolled under their file name without extension.
The most prominent face of each photo is used; photos without a face are skipped.

Examples:
  # people/alice/1.jpg, people/alice/2.jpg, people/bob.png
  checkpoint enroll ./people --output references.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runEnroll,
}

func init() {
	rootCmd.AddCommand(enrollCmd)

	enrollCmd.Flags().String("output", "", "Output file (defaults to REFERENCES_PATH)")
	enrollCmd.Flags().String("model", "", "Model name recorded in the references file")
	enrollCmd.Flags().Int("concurrency", constants.DefaultEnrollConcurrency, "Number of parallel requests to the embedding server")
}

// enrollImage is one photo to enroll.
type enrollImage struct {
	Identity string
	Path     string
}

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".bmp":  true,
}

func isImageFile(name string) bool {
	return imageExtensions[strings.ToLower(filepath.Ext(name))]
}

// collectEnrollImages lists photos in dir, one level of identity subdirectories deep.
func collectEnrollImages(dir string) ([]enrollImage, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading directory: %w", err)
	}

	var images []enrollImage
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		if !entry.IsDir() {
			if isImageFile(name) {
				images = append(images, enrollImage{
					Identity: strings.TrimSuffix(name, filepath.Ext(name)),
					Path:     filepath.Join(dir, name),
				})
			}
			continue
		}

		sub, err := os.ReadDir(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("reading directory %s: %w", name, err)
		}
		for _, file := range sub {
			if file.IsDir() || !isImageFile(file.Name()) {
				continue
			}
			images = append(images, enrollImage{
				Identity: name,
				Path:     filepath.Join(dir, name, file.Name()),
			})
		}
	}
	return images, nil
}

// stillFeed serves a decoded photo as the current frame.
type stillFeed struct {
	img image.Image
}

func (f stillFeed) CurrentFrame() (capture.Frame, error) {
	return capture.Frame{Image: f.img, Seq: 1}, nil
}

// loadEnrollImage reads a photo and encodes it the way checkpoint snapshots are sent.
func loadEnrollImage(path string, maxSize int) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > constants.MaxUploadSize {
		return nil, fmt.Errorf("file too large (%d bytes)", info.Size())
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	snap, err := capture.NewSurface(stillFeed{img: img}).Capture()
	if err != nil {
		return nil, err
	}
	return snap.Scaled(maxSize)
}

var errNoFace = errors.New("no face found")

// embedImage returns the embedding of the most prominent face in the photo.
func embedImage(ctx context.Context, client *face.EmbeddingClient, img enrollImage, maxSize int) ([]float32, error) {
	data, err := loadEnrollImage(img.Path, maxSize)
	if err != nil {
		return nil, err
	}
	detections, err := client.DetectFaces(ctx, data)
	if err != nil {
		return nil, err
	}
	primary, ok := face.MostProminent(detections)
	if !ok {
		return nil, errNoFace
	}
	return primary.Embedding, nil
}

func runEnroll(cmd *cobra.Command, args []string) error {
	output := mustGetString(cmd, "output")
	model := mustGetString(cmd, "model")
	concurrency := max(mustGetInt(cmd, "concurrency"), 1)

	cfg := config.Load()
	if output == "" {
		output = cfg.References.Path
	}
	ctx := context.Background()

	images, err := collectEnrollImages(args[0])
	if err != nil {
		return err
	}
	if len(images) == 0 {
		return fmt.Errorf("no photos found in %s", args[0])
	}
	fmt.Printf("Photos to enroll: %d\n\n", len(images))

	client := face.NewEmbeddingClient(cfg.Face.ServiceURL)

	bar := progressbar.NewOptions(len(images),
		progressbar.OptionSetDescription("Computing embeddings"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("photos"),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionFullWidth(),
	)

	embeddings := make([][]float32, len(images))
	var noFace, errorCount int
	var failures []string
	var mu sync.Mutex

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for i, img := range images {
		i, img := i, img
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			defer bar.Add(1)

			embedding, err := embedImage(ctx, client, img, cfg.Face.MaxImageSize)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, errNoFace):
				noFace++
			case err != nil:
				errorCount++
				failures = append(failures, fmt.Sprintf("%s: %v", img.Path, err))
			default:
				embeddings[i] = embedding
			}
		}()
	}

	wg.Wait()
	fmt.Println()

	refs := make([]face.Reference, 0, len(images))
	for i, img := range images {
		if embeddings[i] != nil {
			refs = append(refs, face.Reference{Identity: img.Identity, Embedding: embeddings[i]})
		}
	}
	slices.SortStableFunc(refs, func(a, b face.Reference) int {
		return cmp.Compare(a.Identity, b.Identity)
	})

	for _, f := range failures {
		fmt.Printf("  Error: %s\n", f)
	}
	if len(refs) == 0 {
		return errors.New("no faces enrolled")
	}

	if err := reference.WriteFile(output, model, refs); err != nil {
		return err
	}

	fmt.Printf("\nCompleted: %d enrolled, %d without a face, %d errors\n", len(refs), noFace, errorCount)
	fmt.Printf("References written to %s\n", output)
	return nil
}
