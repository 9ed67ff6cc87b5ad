package main

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/nathsou/wapps/wapp"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <package.wapp>",
	Short: "Show a package's manifest",
	Long: `Validate a package and print its manifest.

Unrecognized metadata keys are listed too; the container preserves
them even though this host does not interpret them.`,
	Args: cobra.ExactArgs(1),
	Run:  runInspect,
}

func init() {
	inspectCmd.Flags().Bool("json", false, "Machine-readable output")
	rootCmd.AddCommand(inspectCmd)
}

func runInspect(cmd *cobra.Command, args []string) {
	pkg := loadPackage(args[0])
	asJSON, _ := cmd.Flags().GetBool("json")
	title := pkg.Title(titleFallback(args[0]))

	if asJSON {
		out := struct {
			Version      uint32        `json:"version"`
			Title        string        `json:"title"`
			PayloadBytes int           `json:"payload_bytes"`
			Manifest     wapp.Manifest `json:"manifest"`
		}{
			Version:      pkg.Version,
			Title:        title,
			PayloadBytes: len(pkg.Payload),
			Manifest:     pkg.Manifest,
		}
		data, err := json.MarshalIndent(out, "", "  ")
		exitOn(err)
		fmt.Println(string(data))
		return
	}

	fmt.Println(title)
	fmt.Printf("  container version: %d\n", pkg.Version)
	fmt.Printf("  payload: %d bytes\n", len(pkg.Payload))

	m := pkg.Manifest
	if m.Author != "" {
		fmt.Printf("  author: %s\n", m.Author)
	}
	if m.Version != "" {
		fmt.Printf("  version: %s\n", m.Version)
	}
	if m.Description != "" {
		fmt.Printf("  description: %s\n", m.Description)
	}
	if len(m.Extra) > 0 {
		fmt.Println("  extra:")
		for _, k := range sortedKeys(m.Extra) {
			fmt.Printf("    %s: %v\n", k, m.Extra[k])
		}
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
