package main

import (
	"errors"
	"fmt"
	"image/jpeg"

	"github.com/dustin/go-humanize"
	"github.com/google/renameio/v2"
	"github.com/spf13/cobra"

	"proctor/internal/config"
	"proctor/internal/framechan"
	"proctor/internal/pipeline"
)

// NewSnapshotCmd creates the snapshot command.
func NewSnapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot [file]",
		Short: "Save the latest frame of a running session as JPEG",
		Long: `Copy the frame currently in the frame channel and write it as a JPEG
(default frame.jpg). The file is replaced atomically.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			out := "frame.jpg"
			if len(args) == 1 {
				out = args[0]
			}
			quality, _ := cmd.Flags().GetInt("quality")

			info, err := snapshot(cfg.FrameChan.Path, out, quality)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %dx%d frame from %s\n",
				out, info.Width, info.Height, humanize.Time(info.Timestamp))
			return nil
		},
	}
	cmd.Flags().Int("quality", 90, "JPEG quality (1-100)")
	return cmd
}

var errNoFrame = errors.New("no frame has been published yet")

func snapshot(channelPath, out string, quality int) (framechan.Info, error) {
	if quality < 1 || quality > 100 {
		return framechan.Info{}, fmt.Errorf("quality must be within 1..100, got %d", quality)
	}
	buf, err := framechan.Open(channelPath, 0)
	if err != nil {
		return framechan.Info{}, err
	}
	defer buf.Close()

	f, ok := buf.ReadFrame()
	if !ok {
		return framechan.Info{}, errNoFrame
	}
	frame := &pipeline.FrameData{
		Timestamp: f.Timestamp,
		Width:     f.Width,
		Height:    f.Height,
		Channels:  f.Channels,
		Pixels:    f.Pixels,
	}
	if !frame.Valid() {
		return framechan.Info{}, fmt.Errorf("frame channel holds a malformed frame (%dx%dx%d, %d bytes)",
			f.Width, f.Height, f.Channels, len(f.Pixels))
	}

	pf, err := renameio.NewPendingFile(out)
	if err != nil {
		return framechan.Info{}, err
	}
	defer pf.Cleanup()
	if err := jpeg.Encode(pf, frame.ToRGBA(), &jpeg.Options{Quality: quality}); err != nil {
		return framechan.Info{}, fmt.Errorf("failed to encode %s: %w", out, err)
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return framechan.Info{}, err
	}
	return f.Info, nil
}
