package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/vitalpath/journey/internal/config"
	"github.com/vitalpath/journey/internal/journey"
	"github.com/vitalpath/journey/internal/journeyapi"
	"github.com/vitalpath/journey/internal/metrics"
)

func init() {
	rootCmd.AddCommand(instantiateCmd)
	rootCmd.AddCommand(refreshCmd)
	rootCmd.AddCommand(metricsCmd)
	metricsCmd.AddCommand(metricsRecordCmd)
	rootCmd.AddCommand(tokenCmd)

	instantiateCmd.Flags().StringP("source", "s", string(journey.SourceSeed), "Stage set: seed or personalized")
	instantiateCmd.Flags().StringSlice("stage", nil, "Stage codes for a personalized set (repeatable)")
	tokenCmd.Flags().Duration("ttl", time.Hour, "Token lifetime")
}

// ─── instantiate ───────────────────────────────────────────────────────────

var instantiateCmd = &cobra.Command{
	Use:   "instantiate USER_ID",
	Short: "Create a user's stage instances",
	Long: `Create stage and task instances for a user from the seed set or a
personalized selection. Re-running with the same selection creates nothing.`,
	Args: cobra.ExactArgs(1),
	RunE: runInstantiate,
}

func runInstantiate(cmd *cobra.Command, args []string) error {
	source, _ := cmd.Flags().GetString("source")
	codes, _ := cmd.Flags().GetStringSlice("stage")

	e, err := openEnv(cmd.Context())
	if err != nil {
		return err
	}
	defer e.close()

	svc, err := e.service(cmd.Context())
	if err != nil {
		return err
	}

	created, err := svc.Instantiate(cmd.Context(), args[0], journey.Source(source), codes)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "created %d stages for %s\n", created, args[0])
	return nil
}

// ─── refresh ───────────────────────────────────────────────────────────────

var refreshCmd = &cobra.Command{
	Use:   "refresh USER_ID",
	Short: "Re-evaluate a user's stages against current metrics",
	Args:  cobra.ExactArgs(1),
	RunE:  runRefresh,
}

func runRefresh(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd.Context())
	if err != nil {
		return err
	}
	defer e.close()

	svc, err := e.service(cmd.Context())
	if err != nil {
		return err
	}

	changes, err := svc.Refresh(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if len(changes) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no changes")
		return nil
	}
	for _, ch := range changes {
		fmt.Fprintf(cmd.OutOrStdout(), "%s  %s -> %s  (%.0f%%)\n", ch.UserStageID, ch.From, ch.To, ch.Progress*100)
	}
	return nil
}

// ─── metrics record ────────────────────────────────────────────────────────

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Inspect and seed health metrics",
}

var metricsRecordCmd = &cobra.Command{
	Use:   "record USER_ID METRIC VALUE",
	Short: "Append a metric snapshot for a user",
	Long:  `Append a snapshot to the metrics table. Useful for local development and demos.`,
	Args:  cobra.ExactArgs(3),
	RunE:  runMetricsRecord,
}

func runMetricsRecord(cmd *cobra.Command, args []string) error {
	value, err := strconv.ParseFloat(args[2], 64)
	if err != nil {
		return fmt.Errorf("value %q is not a number", args[2])
	}

	e, err := openEnv(cmd.Context())
	if err != nil {
		return err
	}
	defer e.close()

	if err := metrics.NewPostgresProvider(e.pool).Record(cmd.Context(), args[0], args[1], value); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "recorded %s=%g for %s\n", args[1], value, args[0])
	return nil
}

// ─── token ─────────────────────────────────────────────────────────────────

var tokenCmd = &cobra.Command{
	Use:   "token USER_ID",
	Short: "Mint a bearer token for local testing",
	Long:  `Sign an HS256 access token with JOURNEY_AUTH_JWT_SECRET for the given user.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runToken,
}

func runToken(cmd *cobra.Command, args []string) error {
	ttl, _ := cmd.Flags().GetDuration("ttl")

	cfg, err := config.LoadCLI()
	if err != nil {
		return err
	}
	if err := cfg.Auth.Validate(cfg.App.Environment); err != nil {
		return err
	}

	token, err := journeyapi.NewAuthenticator(&cfg.Auth).Sign(args[0], ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
