// Copyright 2026 OpenCircle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/opencircle/loupe/internal/log"
	"github.com/opencircle/loupe/pkg/catalog"
	"github.com/opencircle/loupe/pkg/config"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Model catalog commands",
}

var catalogListCmd = &cobra.Command{
	Use:   "list",
	Short: "List catalog models",
	Long: `List the models in the catalog with provider, family, pricing, and
status flags. Uses the embedded default catalog unless catalog_path is
configured.`,
	Run: runCatalogList,
}

func init() {
	catalogCmd.AddCommand(catalogListCmd)
	rootCmd.AddCommand(catalogCmd)
}

func runCatalogList(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(config.ExitConfigInvalid)
	}

	var cat *catalog.Catalog
	if cfg.CatalogPath != "" {
		cat, err = catalog.NewFromFile(cfg.CatalogPath, log.Logger())
	} else {
		cat, err = catalog.New(log.Logger())
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(config.ExitConfigInvalid)
	}
	defer cat.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "MODEL\tPROVIDER\tFAMILY\tINPUT $/M\tOUTPUT $/M\tSTATUS")
	for _, e := range cat.All() {
		status := "active"
		if !e.Active {
			status = "inactive"
		}
		if e.Deprecated {
			status = "deprecated"
		}
		if e.Recommended && status == "active" {
			status = "recommended"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%.2f\t%.2f\t%s\n",
			e.ModelName, e.Provider, e.Family,
			e.Pricing.InputPerMTokens, e.Pricing.OutputPerMTokens, status)
	}
	w.Flush()
}
