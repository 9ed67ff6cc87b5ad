package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nathsou/wapps/wapp"
)

var packCmd = &cobra.Command{
	Use:   "pack",
	Short: "Build a package from a wasm module",
	Long: `Build a wapp package from a compiled WebAssembly module.

Metadata comes from --manifest, a JSON file; individual flags override
single fields. The manifest is validated before packing, so over-long
fields fail here rather than surprising a host later.`,
	Args: cobra.NoArgs,
	Run:  runPack,
}

func init() {
	packCmd.Flags().String("wasm", "", "WebAssembly module to package (required)")
	packCmd.Flags().StringP("output", "o", "", "Output path (default: module name with .wapp)")
	packCmd.Flags().String("manifest", "", "Manifest JSON file")
	packCmd.Flags().String("name", "", "Application name")
	packCmd.Flags().String("author", "", "Author")
	packCmd.Flags().String("app-version", "", "Application version")
	packCmd.Flags().String("description", "", "Description")
	packCmd.MarkFlagRequired("wasm")
	rootCmd.AddCommand(packCmd)
}

func runPack(cmd *cobra.Command, args []string) {
	wasmPath, _ := cmd.Flags().GetString("wasm")
	output, _ := cmd.Flags().GetString("output")
	manifestPath, _ := cmd.Flags().GetString("manifest")

	payload, err := os.ReadFile(wasmPath)
	exitOn(err)

	var m wapp.Manifest
	if manifestPath != "" {
		data, err := os.ReadFile(manifestPath)
		exitOn(err)
		if err := json.Unmarshal(data, &m); err != nil {
			exitOn(fmt.Errorf("%s: %w", manifestPath, err))
		}
	}
	if v, _ := cmd.Flags().GetString("name"); v != "" {
		m.Name = v
	}
	if v, _ := cmd.Flags().GetString("author"); v != "" {
		m.Author = v
	}
	if v, _ := cmd.Flags().GetString("app-version"); v != "" {
		m.Version = v
	}
	if v, _ := cmd.Flags().GetString("description"); v != "" {
		m.Description = v
	}

	if err := m.Validate(); err != nil {
		exitOn(fmt.Errorf("invalid manifest: %w", err))
	}

	data, err := wapp.Serialize(m, payload)
	exitOn(err)

	if output == "" {
		base := filepath.Base(wasmPath)
		output = strings.TrimSuffix(base, filepath.Ext(base)) + ".wapp"
	}
	exitOn(os.WriteFile(output, data, 0o644))
	fmt.Printf("wrote %s (%d bytes)\n", output, len(data))
}
