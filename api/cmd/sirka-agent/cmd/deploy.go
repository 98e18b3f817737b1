package cmd

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/sirka-internal/vps-agent/api/internal/core/domain"
)

var (
	deploySite     domain.Site
	deployFile     string
	deployURL      string
	deployChecksum string
	deployPolicy   string
)

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Deploy an archive on this host without going through the API",
	Long: `Runs one deployment in-process with the same pipeline as the daemon. The
per-site lock file is shared with a running daemon, so the two never
activate the same site at once.`,
	Example: `  sirka-agent deploy --site-id blog --name "Blog" --domain blog.example.com --file site.tar.gz
  sirka-agent deploy --site-id docs --name "Docs" --url https://cdn.example.com/docs.zip --checksum sha256:...`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if (deployFile == "") == (deployURL == "") {
			return errors.New("exactly one of --file or --url is required")
		}
		var policy domain.ActivationPolicy
		if deployPolicy != "" {
			p, err := domain.ParseActivationPolicy(deployPolicy)
			if err != nil {
				return err
			}
			policy = p
		}

		ref := domain.ArtifactRef{URL: deployURL, Checksum: deployChecksum}
		if deployFile != "" {
			data, err := os.ReadFile(deployFile)
			if err != nil {
				return err
			}
			ref.InlineBase64 = base64.StdEncoding.EncodeToString(data)
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger(cmd.ErrOrStderr(), cfg.LogLevel, jsonLogs)

		a, err := newAgent(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := a.service.Deploy(cmd.Context(), domain.DeploymentRequest{
			Site:     deploySite,
			Artifact: ref,
			Policy:   policy,
			TraceID:  uuid.NewString(),
		})
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart <site-id>",
	Short: "Restart or reload whatever serves a site",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger(cmd.ErrOrStderr(), cfg.LogLevel, jsonLogs)

		a, err := newAgent(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.service.Restart(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "restarted %s\n", args[0])
		return nil
	},
}

func init() {
	f := deployCmd.Flags()
	f.StringVar(&deploySite.ID, "site-id", "", "site identifier (required)")
	f.StringVar(&deploySite.Name, "name", "", "display name (required)")
	f.StringVar(&deploySite.Domain, "domain", "", "domain to serve; empty serves the site as the catch-all")
	f.StringVar(&deployFile, "file", "", "local zip or tar archive")
	f.StringVar(&deployURL, "url", "", "archive URL to download")
	f.StringVar(&deployChecksum, "checksum", "", "expected digest, sha256:<hex> or blake3:<hex>")
	f.StringVar(&deployPolicy, "policy", "", "atomic-swap or full-replace (default from config)")
	_ = deployCmd.MarkFlagRequired("site-id")
	_ = deployCmd.MarkFlagRequired("name")

	rootCmd.AddCommand(deployCmd, restartCmd)
}
