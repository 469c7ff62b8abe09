package main

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	wnpchat "github.com/wnp-labs/wnp-chat/sdk/golang"
)

func init() {
	rootCmd.AddCommand(uploadCmd)
}

var uploadCmd = &cobra.Command{
	Use:   "upload <file...>",
	Short: "Upload files as attachments",
	Long:  "Upload one or more files and print the resulting attachment IDs.\nFiles are transferred one at a time.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		requireAuth(client)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		ids, err := uploadFiles(ctx, client, args)
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		return nil
	},
}

// uploadFiles runs a batch through the upload pipeline, printing progress as
// each file moves.
func uploadFiles(ctx context.Context, client *wnpchat.Client, paths []string) ([]string, error) {
	uploader := wnpchat.NewUploader(client)

	names := make(map[string]string, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("cannot read %s: %w", path, err)
		}
		name := filepath.Base(path)
		mimeType := mime.TypeByExtension(filepath.Ext(path))
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}

		pending, err := uploader.Add(name, mimeType, data, nil)
		if err != nil {
			return nil, err
		}
		names[pending.ID] = name
	}

	attachments, err := uploader.UploadAll(ctx, func(id string, pct int) {
		fmt.Printf("\r%s: %d%%", names[id], pct)
		if pct == 100 {
			fmt.Println()
		}
	})
	if err != nil {
		return nil, fmt.Errorf("upload failed: %w", err)
	}

	for _, f := range uploader.Files() {
		if f.Status == wnpchat.PendingFailed {
			fmt.Fprintf(os.Stderr, "failed: %s: %s\n", f.FileName, f.Error)
		}
	}

	ids := make([]string, 0, len(attachments))
	for _, a := range attachments {
		ids = append(ids, a.ID)
	}
	return ids, nil
}
