package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/vitalpath/journey/internal/content"
)

const defaultCatalogPath = "content/journey.toml"

func init() {
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(loadCmd)

	validateCmd.Flags().StringP("file", "f", defaultCatalogPath, "Path to the TOML catalog")
	loadCmd.Flags().StringP("file", "f", defaultCatalogPath, "Path to the TOML catalog")
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check a catalog without touching the database",
	Long: `Parse and compile the catalog with the same rules the store enforces.
Every problem is reported, not just the first.`,
	Args: cobra.NoArgs,
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Flags().GetString("file")

	cat, err := content.LoadFile(path)
	if err != nil {
		return err
	}
	chapters, stages, err := cat.Compile()
	if err != nil {
		return fmt.Errorf("catalog %s is invalid:\n%w", path, err)
	}

	tasks, seeds := 0, 0
	for _, st := range stages {
		tasks += len(st.Tasks)
		if st.Seed {
			seeds++
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %d chapters, %d stages (%d seed), %d tasks\n",
		path, len(chapters), len(stages), seeds, tasks)
	return nil
}

var loadCmd = &cobra.Command{
	Use:   "load",
	Short: "Upsert the catalog into the database",
	Long: `Compile the catalog and upsert chapters, stages and tasks in one
transaction. Templates are matched by code, so loading is idempotent.`,
	Args: cobra.NoArgs,
	RunE: runLoad,
}

func runLoad(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Flags().GetString("file")

	cat, err := content.LoadFile(path)
	if err != nil {
		return err
	}

	e, err := openEnv(cmd.Context())
	if err != nil {
		return err
	}
	defer e.close()

	n, err := content.Apply(cmd.Context(), e.repo, cat)
	if err != nil {
		return err
	}

	e.log.Info("catalog loaded", slog.String("file", path), slog.Int("stages", n))
	fmt.Fprintf(cmd.OutOrStdout(), "loaded %d stages from %s\n", n, path)
	return nil
}
