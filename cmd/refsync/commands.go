package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kumc-bmi/refsync/internal/platform/authtransport"
	"github.com/kumc-bmi/refsync/internal/platform/dsconnect"
	"github.com/kumc-bmi/refsync/internal/platform/redcap"
	"github.com/kumc-bmi/refsync/internal/platform/refcode"
	"github.com/kumc-bmi/refsync/internal/platform/stub"
)

// batchArgs resolves [batch_size] [site_qty], falling back to config.
func (a *app) batchArgs(args []string) (int, int, error) {
	size, sites := a.cfg.BatchSize, a.cfg.SiteQty
	if len(args) >= 1 {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return 0, 0, fmt.Errorf("batch_size: %w", err)
		}
		size = n
	}
	if len(args) >= 2 {
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return 0, 0, fmt.Errorf("site_qty: %w", err)
		}
		sites = n
	}
	return size, sites, nil
}

func (a *app) generate(args []string) ([]refcode.Record, error) {
	size, sites, err := a.batchArgs(args)
	if err != nil {
		return nil, err
	}
	batch, err := refcode.Generate(size, sites)
	if err != nil {
		return nil, err
	}
	a.logger.Debug().Int("batch_size", size).Int("site_qty", sites).Interface("batch", batch).Msg("batch")
	return batch, nil
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) generateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "generate [batch_size] [site_qty]",
		Short: "Print a batch of referral codes as JSON",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			batch, err := a.generate(args)
			if err != nil {
				return err
			}
			return a.printJSON(batch)
		},
	}
}

func (a *app) importCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "import [batch_size] [site_qty]",
		Short: "Generate referral codes and import them into REDCap",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			batch, err := a.generate(args)
			if err != nil {
				return err
			}
			if dryRun {
				a.logger.Info().Int("records", len(batch)).Msg("dry run; not importing")
				return a.printJSON(batch)
			}
			if err := a.cfg.RequireToken(); err != nil {
				return err
			}

			client := &http.Client{Transport: authtransport.BaseTransport(), Timeout: a.cfg.HTTPTimeout}
			p := redcap.NewProject(client, a.cfg.RedcapAPIURL, a.cfg.RedcapToken, redcap.WithLogger(a.logger))
			result, err := p.ImportRecords(cmd.Context(), batch)
			if err != nil {
				return err
			}
			return a.printJSON(map[string]int{"count": result.Count})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the batch instead of importing it")
	return cmd
}

func (a *app) statusCmd() *cobra.Command {
	var stids []int
	cmd := &cobra.Command{
		Use:   "status <username> <password-env> <api-key-env>",
		Short: "Query DS-Connect survey completion status",
		Long: "Query DS-Connect survey completion status. The password and API key are\n" +
			"read from the environment variables named by <password-env> and <api-key-env>.",
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			username := args[0]
			password, err := a.secret(args[1])
			if err != nil {
				return err
			}
			apiKey, err := a.secret(args[2])
			if err != nil {
				return err
			}

			client, err := dsconnect.BasicClient(a.cfg.DSConnectURL,
				authtransport.Credentials{Username: username, Password: password},
				authtransport.WithTimeout(a.cfg.HTTPTimeout),
				authtransport.WithLogger(a.logger))
			if err != nil {
				return err
			}
			survey := dsconnect.NewSurvey(client, apiKey,
				dsconnect.WithURL(a.cfg.DSConnectURL),
				dsconnect.WithLogger(a.logger))

			status, err := survey.GetStatus(cmd.Context(), stids)
			if err != nil {
				return err
			}
			a.logger.Info().Int("surveys", len(status)).Msg("status")
			return a.printJSON(status)
		},
	}
	cmd.Flags().IntSliceVar(&stids, "stid", dsconnect.TestStids, "Survey id to query (repeatable)")
	return cmd
}

func (a *app) stubCmd() *cobra.Command {
	var surveyUser, passwordEnv, apiKeyEnv string
	cmd := &cobra.Command{
		Use:   "stub",
		Short: "Serve local stand-ins for the REDCap and DS-Connect APIs",
		RunE: func(cmd *cobra.Command, args []string) error {
			password, _ := a.lookup(passwordEnv)
			apiKey, _ := a.lookup(apiKeyEnv)
			srv := stub.New(stub.Config{
				RedcapToken: a.cfg.RedcapToken,
				Survey:      authtransport.Credentials{Username: surveyUser, Password: password},
				APIKey:      apiKey,
			}, a.logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			errc := make(chan error, 1)
			go func() { errc <- srv.Start(a.cfg.StubAddr) }()

			select {
			case err := <-errc:
				return err
			case <-ctx.Done():
			}
			a.logger.Info().Msg("shutting down stub registry")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&surveyUser, "survey-user", "user123", "Basic-auth username the stub accepts")
	cmd.Flags().StringVar(&passwordEnv, "password-env", "DS_PASS", "Environment variable holding the accepted password")
	cmd.Flags().StringVar(&apiKeyEnv, "api-key-env", "DS_KEY", "Environment variable holding the accepted API key")
	return cmd
}

// secret resolves an environment variable by name.
func (a *app) secret(name string) (string, error) {
	v, ok := a.lookup(name)
	if !ok || v == "" {
		return "", fmt.Errorf("environment variable %s is not set", name)
	}
	return v, nil
}
