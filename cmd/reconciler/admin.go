package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/settleup/reconciler/internal/ingestion"
)

var reevaluateCmd = &cobra.Command{
	Use:   "reevaluate <batch-id>",
	Short: "Clear a batch's decision and match it again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := contextOf(cmd)
		return withApp(ctx, func(a *app) error {
			b, err := a.recon.Reevaluate(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(b)
		})
	},
}

var matchCmd = &cobra.Command{
	Use:   "match <batch-id> <deposit-id>",
	Short: "Manually link a deposit to a batch",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := contextOf(cmd)
		return withApp(ctx, func(a *app) error {
			b, err := a.recon.ManualMatch(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(b)
		})
	},
}

var unmatchCmd = &cobra.Command{
	Use:   "unmatch <batch-id>",
	Short: "Release every link of a batch and return it to PENDING",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := contextOf(cmd)
		return withApp(ctx, func(a *app) error {
			if err := a.recon.Unmatch(ctx, args[0]); err != nil {
				return err
			}
			detail, err := a.recon.GetBatch(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(detail)
		})
	},
}

var importFormat string

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import an MSC, Blueprint or QBO export file",
	Long: `Parse a file, upsert its records and run a reconciliation pass.

Formats: msc_csv, blueprint_csv, blueprint_xlsx, deposits_json.

Examples:
  reconciler import --format msc_csv testdata/msc_batches.csv
  reconciler import -f blueprint_xlsx report.xlsx`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		ctx := contextOf(cmd)
		return withApp(ctx, func(a *app) error {
			res, err := a.ingest.Import(ctx, ingestion.Format(importFormat), data)
			if err != nil {
				return err
			}
			return printJSON(res)
		})
	},
}

var (
	connectRealm string
	connectCode  string
)

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Connect a QBO company by exchanging an authorization code",
	Long: `Without --code, print the consent URL to open in a browser. After
consenting, Intuit redirects to QBO_REDIRECT_URL with code and realmId;
pass them back here (or let the server's /api/v1/qbo/callback handle it).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := contextOf(cmd)
		return withApp(ctx, func(a *app) error {
			if a.tokens == nil {
				return fmt.Errorf("QBO is not configured; set QBO_CLIENT_ID and QBO_CLIENT_SECRET")
			}
			if connectCode == "" {
				fmt.Println(a.oauth.AuthCodeURL(uuid.NewString()))
				return nil
			}
			realm := connectRealm
			if realm == "" {
				fmt.Print("realm id: ")
				line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
				realm = strings.TrimSpace(line)
			}
			tok, err := a.tokens.Connect(ctx, realm, connectCode)
			if err != nil {
				return err
			}
			fmt.Printf("connected realm %s, access token valid until %s\n", tok.RealmID, tok.ExpiresAt.Format("2006-01-02 15:04:05Z07:00"))
			return nil
		})
	},
}

var staleCmd = &cobra.Command{
	Use:   "stale",
	Short: "List sync logs that never completed",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := contextOf(cmd)
		return withApp(ctx, func(a *app) error {
			logs, err := a.recorder.ListStale(ctx, a.cfg.StaleSyncAfter)
			if err != nil {
				return err
			}
			return printJSON(logs)
		})
	},
}

func init() {
	importCmd.Flags().StringVarP(&importFormat, "format", "f", "", "file format")
	_ = importCmd.MarkFlagRequired("format")

	connectCmd.Flags().StringVar(&connectRealm, "realm", "", "QBO realm (company) id")
	connectCmd.Flags().StringVar(&connectCode, "code", "", "authorization code from the redirect")
}
