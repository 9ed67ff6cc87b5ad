package main

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
	"github.com/spf13/cobra"

	"github.com/nathsou/wapps/wapp"
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the manifest JSON schema",
	Long: `Print a JSON schema for package manifests.

Useful for editor completion and for validating manifests in CI
before packing.`,
	Args: cobra.NoArgs,
	Run:  runSchema,
}

func init() {
	rootCmd.AddCommand(schemaCmd)
}

func runSchema(cmd *cobra.Command, args []string) {
	r := &jsonschema.Reflector{ExpandedStruct: true}
	schema := r.Reflect(&wapp.Manifest{})
	data, err := json.MarshalIndent(schema, "", "  ")
	exitOn(err)
	fmt.Println(string(data))
}
