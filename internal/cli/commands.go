package cli

import (
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"srd/internal/engine"
	"srd/internal/modelfile"
	"srd/internal/runtime"
)

func newUpscaleCmd(opts *Options) *cobra.Command {
	var (
		backend string
		tiled   bool
	)
	cmd := &cobra.Command{
		Use:     "upscale IN OUT",
		Short:   "Upscale one image file",
		Example: "  srd upscale photo.jpg photo_x4.png --backend npu",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := runtime.ParseKind(backend)
			if err != nil {
				return err
			}
			img, err := readImage(args[0])
			if err != nil {
				return err
			}
			p, err := opts.startAndWait(cmd.Context())
			if err != nil {
				return err
			}
			defer p.Close()

			res, err := p.Process(cmd.Context(), engine.Request{Image: img, Backend: kind, Tiling: tiled}, func(done, total int) {
				opts.log.Debug().Int("done", done).Int("total", total).Msg("tile done")
			})
			if err != nil {
				return err
			}
			if err := writeImage(args[1], res.Image); err != nil {
				return err
			}
			b := res.Image.Rect
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %dx%d via %s on %s in %dms\n",
				args[1], b.Dx(), b.Dy(), res.Decision.Strategy, res.Backend, res.Elapsed.Milliseconds())
			if res.Reduced {
				fmt.Fprintln(cmd.OutOrStdout(), "warning: input was downscaled after running out of memory")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&backend, "backend", "", "Force a backend: cpu|gpu|npu")
	cmd.Flags().BoolVar(&tiled, "tiling", false, "Force tiled processing")
	return cmd
}

func newPlanCmd(opts *Options) *cobra.Command {
	var (
		backend string
		tiled   bool
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:     "plan WIDTHxHEIGHT",
		Short:   "Show how an image size would be processed",
		Example: "  srd plan 4000x3000 --available-mb 250",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, h, err := parseSize(args[0])
			if err != nil {
				return err
			}
			kind, err := runtime.ParseKind(backend)
			if err != nil {
				return err
			}
			p, err := opts.startAndWait(cmd.Context())
			if err != nil {
				return err
			}
			defer p.Close()
			plan, err := p.Plan(w, h, kind, tiled)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, plan)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "strategy:\t%s (%s)\n", plan.Strategy, plan.Description)
			fmt.Fprintf(tw, "reason:\t%s\n", plan.Reason)
			fmt.Fprintf(tw, "backend:\t%s\n", plan.Backend)
			if plan.TilingRequired {
				fmt.Fprintf(tw, "tiles:\t%d (%dx%d, tile %d, overlap %d)\n", plan.Tiles, plan.TileCols, plan.TileRows, plan.TileSize, plan.Overlap)
			}
			fmt.Fprintf(tw, "output:\t%dx%d\n", plan.OutputWidth, plan.OutputHeight)
			fmt.Fprintf(tw, "estimate:\t%dms\n", plan.EstimatedTimeMs)
			if plan.AvailableMemoryMB > 0 {
				fmt.Fprintf(tw, "memory:\t%dMB available\n", plan.AvailableMemoryMB)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&backend, "backend", "", "Plan for a backend: cpu|gpu|npu")
	cmd.Flags().BoolVar(&tiled, "tiling", false, "Force tiled processing")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func newBackendsCmd(opts *Options) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "backends",
		Short: "Initialize every backend and report its state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, _, err := opts.start(cmd.Context())
			if err != nil {
				return err
			}
			defer p.Close()
			// a failed initialization is still worth reporting
			if err := p.Wait(cmd.Context()); err != nil {
				opts.log.Warn().Err(err).Msg("initialization incomplete")
			}
			st := p.Status()
			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, st)
			}
			fmt.Fprintf(out, "init: %s, %d ready, active %s\n", st.InitState, st.ReadyCount, orDash(st.Active))
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "BACKEND\tSTATE\tDTYPE\tINPUT\tBATCH\tREASON")
			for _, b := range st.Backends {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n", b.Kind, b.State, orDash(b.DType), shape(b.InputShape), b.BatchSize, orDash(b.Reason))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func newModelsCmd(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "models [DIR]",
		Short: "List model files in a directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := envStr("SRD_MODELS_DIR", "~/models/srd")
			if len(args) == 1 {
				dir = args[0]
			}
			files, err := modelfile.List(dir)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tFORMAT\tSIZE\tPATH")
			for _, f := range files {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", f.Name, f.Format, f.Size, f.Path)
			}
			return tw.Flush()
		},
	}
}

// parseSize parses "WIDTHxHEIGHT".
func parseSize(s string) (int, int, error) {
	ws, hs, ok := strings.Cut(strings.ToLower(s), "x")
	if !ok {
		return 0, 0, fmt.Errorf("size must be WIDTHxHEIGHT, got %q", s)
	}
	w, werr := strconv.Atoi(ws)
	h, herr := strconv.Atoi(hs)
	if werr != nil || herr != nil || w <= 0 || h <= 0 {
		return 0, 0, fmt.Errorf("size must be two positive integers, got %q", s)
	}
	return w, h, nil
}

func readImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}

// writeImage encodes JPEG for .jpg/.jpeg and PNG otherwise.
func writeImage(path string, img image.Image) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return jpeg.Encode(f, img, &jpeg.Options{Quality: 95})
	default:
		return png.Encode(f, img)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func shape(s []int) string {
	if len(s) == 0 {
		return "-"
	}
	parts := make([]string, len(s))
	for i, n := range s {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, "x")
}
