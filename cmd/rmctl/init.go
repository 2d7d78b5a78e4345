package main

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/reviewmemory/internal/embeddings"
)

var (
	forceDownload bool
	runtimeDir    string
)

func init() {
	initCmd.Flags().BoolVarP(&forceDownload, "force", "f", false, "Force re-download even if ONNX runtime exists")
	initCmd.Flags().StringVar(&runtimeDir, "dir", "", "install directory (default ~/.config/reviewmemory/lib)")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Install the ONNX runtime used for local embeddings",
	Long: `Download the ONNX runtime library required by the fastembed embedding
provider. The library is installed to ~/.config/reviewmemory/lib/ unless
--dir is given.

If the ONNX_PATH environment variable is set, that path takes precedence.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := runtimeDir
		if dir == "" {
			dir = embeddings.DefaultRuntimeDir()
		}
		if path := embeddings.LibraryPath(dir); path != "" {
			if !forceDownload {
				cmd.Printf("ONNX runtime already installed at: %s\n", path)
				cmd.Println("Use --force to re-download.")
				return nil
			}
			// ONNX_PATH installs are managed elsewhere.
			if filepath.Dir(path) == filepath.Clean(dir) {
				if err := os.Remove(path); err != nil {
					return fmt.Errorf("removing existing runtime: %w", err)
				}
			}
		}

		cmd.Println("Downloading ONNX runtime...")
		path, err := embeddings.EnsureRuntime(cmd.Context(), &http.Client{Timeout: 5 * time.Minute}, dir)
		if err != nil {
			return fmt.Errorf("failed to install ONNX runtime: %w", err)
		}
		cmd.Printf("Successfully installed ONNX runtime to: %s\n", path)
		return nil
	},
}
