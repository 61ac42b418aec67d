package cmd

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/kozaktomas/checkpoint/internal/config"
	"github.com/kozaktomas/checkpoint/internal/reference"
	"github.com/spf13/cobra"
)

var referencesCmd = &cobra.Command{
	Use:   "references",
	Short: "List identities in the reference source",
	Long: `Load the configured reference source (REFERENCES_SOURCE) and list the
identities faces are matched against, with the number of embeddings each.`,
	RunE: runReferences,
}

func init() {
	rootCmd.AddCommand(referencesCmd)

	referencesCmd.Flags().Bool("json", false, "Output as JSON")
}

// IdentitySummary describes one identity of the reference set.
type IdentitySummary struct {
	Identity   string `json:"identity"`
	Name       string `json:"name"`
	References int    `json:"references"`
	Dimensions int    `json:"dimensions"`
}

func runReferences(cmd *cobra.Command, args []string) error {
	jsonOutput := mustGetBool(cmd, "json")

	cfg := config.Load()
	ctx := context.Background()

	src, err := reference.Open(cfg.References)
	if err != nil {
		return err
	}
	defer src.Close()

	set, err := reference.LoadSet(ctx, src, cfg.Face.HNSWMinReferences)
	if err != nil {
		return err
	}

	byIdentity := make(map[string]*IdentitySummary)
	for _, ref := range set.References() {
		s, ok := byIdentity[ref.Identity]
		if !ok {
			s = &IdentitySummary{Identity: ref.Identity, Name: ref.Name, Dimensions: len(ref.Embedding)}
			byIdentity[ref.Identity] = s
		}
		s.References++
	}

	summaries := make([]IdentitySummary, 0, len(byIdentity))
	for _, s := range byIdentity {
		summaries = append(summaries, *s)
	}
	slices.SortFunc(summaries, func(a, b IdentitySummary) int {
		return cmp.Compare(a.Identity, b.Identity)
	})

	if jsonOutput {
		return outputJSON(summaries)
	}

	if len(summaries) == 0 {
		fmt.Println("No references found.")
		return nil
	}
	fmt.Printf("%-30s %-30s %10s %6s\n", "IDENTITY", "NAME", "REFERENCES", "DIM")
	for _, s := range summaries {
		fmt.Printf("%-30s %-30s %10d %6d\n", s.Identity, s.Name, s.References, s.Dimensions)
	}
	fmt.Printf("\nTotal: %d identities, %d references", len(summaries), set.Len())
	if set.Indexed() {
		fmt.Print(" (HNSW indexed)")
	}
	fmt.Println()
	return nil
}
